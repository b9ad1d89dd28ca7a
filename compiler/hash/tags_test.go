package hash

import "testing"

func TestTagsUnique(t *testing.T) {
	seen := make(map[byte]bool, len(allTags))
	for _, tag := range allTags {
		if seen[tag] {
			t.Errorf("tag 0x%02X defined twice", tag)
		}
		seen[tag] = true
	}
}

func TestTagGroups(t *testing.T) {
	tests := []struct {
		group    string
		tags     []byte
		min, max byte
	}{
		{"node", []byte{TagText, TagOutput, TagIf, TagLoop, TagForEach, TagSet, TagInclude, TagParse, TagMacro, TagBody}, 0x01, 0x1F},
		{"expression", []byte{TagVariable, TagProperty, TagIndex, TagMethodCall, TagCall, TagUnary, TagBinary, TagAnd, TagOr, TagInterp, TagBad}, 0x20, 0x3F},
		{"literal", []byte{TagNull, TagBool, TagInt, TagUint, TagDouble, TagDecimal, TagString}, 0x40, 0x5F},
	}
	for _, tc := range tests {
		for _, tag := range tc.tags {
			if tag < tc.min || tag > tc.max {
				t.Errorf("%s tag 0x%02X outside 0x%02X-0x%02X", tc.group, tag, tc.min, tc.max)
			}
		}
	}
	if TagAbsent >= 0xFE {
		t.Errorf("TagAbsent 0x%02X is in the reserved range", TagAbsent)
	}
}

func TestHashVersion(t *testing.T) {
	if HashVersion == TagReservedZero {
		t.Error("HashVersion must differ from the reserved zero tag")
	}
}
