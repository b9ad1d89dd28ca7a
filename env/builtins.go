package env

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/chazu/quill/vm"
)

// builtin is a member every value of a reflect.Kind carries. Properties call
// it with no arguments.
type builtin func(recv reflect.Value, args []vm.Value) (vm.Value, error)

var stringBuiltins = map[string]builtin{
	"Length": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if err := arity(args, 0); err != nil {
			return vm.Null, err
		}
		return vm.FromInt64(int64(utf8.RuneCountInString(recv.String()))), nil
	},
	"ToUpper":    stringFunc(strings.ToUpper),
	"ToLower":    stringFunc(strings.ToLower),
	"Trim":       stringFunc(strings.TrimSpace),
	"Contains":   stringPredicate(strings.Contains),
	"StartsWith": stringPredicate(strings.HasPrefix),
	"EndsWith":   stringPredicate(strings.HasSuffix),
	"IndexOf": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		sub, err := stringArg(args, 0, 1)
		if err != nil {
			return vm.Null, err
		}
		s := recv.String()
		i := strings.Index(s, sub)
		if i < 0 {
			return vm.FromInt64(-1), nil
		}
		return vm.FromInt64(int64(utf8.RuneCountInString(s[:i]))), nil
	},
	"Replace": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		old, err := stringArg(args, 0, 2)
		if err != nil {
			return vm.Null, err
		}
		repl, err := stringArg(args, 1, 2)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromString(strings.ReplaceAll(recv.String(), old, repl)), nil
	},
	"Split": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		sep, err := stringArg(args, 0, 1)
		if err != nil {
			return vm.Null, err
		}
		parts := strings.Split(recv.String(), sep)
		items := make([]vm.Value, len(parts))
		for i, p := range parts {
			items[i] = vm.FromString(p)
		}
		return vm.FromHost(items), nil
	},
	"Substring": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if len(args) != 1 && len(args) != 2 {
			return vm.Null, fmt.Errorf("want 1 or 2 arguments, got %d", len(args))
		}
		runes := []rune(recv.String())
		start, ok := integral(args[0])
		end := int64(len(runes))
		if len(args) == 2 {
			var ok2 bool
			end, ok2 = integral(args[1])
			ok = ok && ok2
		}
		if !ok || start < 0 || end < start || end > int64(len(runes)) {
			return vm.Null, fmt.Errorf("substring bounds out of range for length %d", len(runes))
		}
		return vm.FromString(string(runes[start:end])), nil
	},
}

var collectionBuiltins = map[string]builtin{
	"Count":   lengthOf,
	"Length":  lengthOf,
	"IsEmpty": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if err := arity(args, 0); err != nil {
			return vm.Null, err
		}
		return vm.FromBool(indirect(recv).Len() == 0), nil
	},
}

var mapBuiltins = map[string]builtin{
	"Count":   lengthOf,
	"IsEmpty": collectionBuiltins["IsEmpty"],
	"Keys": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if err := arity(args, 0); err != nil {
			return vm.Null, err
		}
		keys := sortedKeys(indirect(recv))
		items := make([]vm.Value, len(keys))
		for i, k := range keys {
			items[i] = vm.FromGo(k.Interface())
		}
		return vm.FromHost(items), nil
	},
	"ContainsKey": func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if err := arity(args, 1); err != nil {
			return vm.Null, err
		}
		rv := indirect(recv)
		k, err := toReflect(args[0], rv.Type().Key())
		if err != nil {
			return vm.False, nil
		}
		return vm.FromBool(rv.MapIndex(k).IsValid()), nil
	},
}

func lookupBuiltin(t reflect.Type, name string) builtin {
	switch t.Kind() {
	case reflect.String:
		return stringBuiltins[name]
	case reflect.Slice, reflect.Array:
		return collectionBuiltins[name]
	case reflect.Map:
		return mapBuiltins[name]
	}
	return nil
}

func lengthOf(recv reflect.Value, args []vm.Value) (vm.Value, error) {
	if err := arity(args, 0); err != nil {
		return vm.Null, err
	}
	return vm.FromInt64(int64(indirect(recv).Len())), nil
}

func stringFunc(f func(string) string) builtin {
	return func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		if err := arity(args, 0); err != nil {
			return vm.Null, err
		}
		return vm.FromString(f(recv.String())), nil
	}
}

func stringPredicate(f func(s, sub string) bool) builtin {
	return func(recv reflect.Value, args []vm.Value) (vm.Value, error) {
		sub, err := stringArg(args, 0, 1)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromBool(f(recv.String(), sub)), nil
	}
}

func arity(args []vm.Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("want %d arguments, got %d", n, len(args))
	}
	return nil
}

func stringArg(args []vm.Value, i, n int) (string, error) {
	if err := arity(args, n); err != nil {
		return "", err
	}
	if !args[i].IsString() {
		return "", fmt.Errorf("argument %d must be a string, got %s", i+1, args[i].TypeName())
	}
	return args[i].Str(), nil
}
