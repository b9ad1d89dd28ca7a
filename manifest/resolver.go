package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ResolvedDep represents a dependency that has been resolved to a local path.
type ResolvedDep struct {
	Name      string    // dependency name
	LocalPath string    // local filesystem path
	Manifest  *Manifest // the dependency's own manifest (may be nil)
}

// SearchPaths returns the loader directories the dependency contributes:
// its manifest's loader paths, or its root when it has no manifest.
func (d ResolvedDep) SearchPaths() []string {
	if d.Manifest != nil {
		return d.Manifest.LoaderPaths()
	}
	return []string{d.LocalPath}
}

// Resolver manages dependency resolution.
type Resolver struct {
	manifest *Manifest
	lock     *LockFile
}

// NewResolver creates a new dependency resolver.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{manifest: m}
}

// Resolve resolves all dependencies and returns them in load order
// (dependencies before dependents, siblings by name).
func (r *Resolver) Resolve() ([]ResolvedDep, error) {
	if len(r.manifest.Dependencies) == 0 {
		return nil, nil
	}

	lock, err := ReadLock(r.manifest.LockFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	r.lock = lock

	resolved := make(map[string]*ResolvedDep)
	order, err := r.resolveAll(r.manifest.Dependencies, resolved)
	if err != nil {
		return nil, err
	}

	if err := r.writeLock(resolved); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return order, nil
}

// SearchPaths returns the project's loader paths followed by those of every
// resolved dependency.
func (r *Resolver) SearchPaths() ([]string, error) {
	deps, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	paths := r.manifest.LoaderPaths()
	for _, d := range deps {
		paths = append(paths, d.SearchPaths()...)
	}
	return paths, nil
}

func (r *Resolver) resolveAll(deps map[string]Dependency, resolved map[string]*ResolvedDep) ([]ResolvedDep, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []ResolvedDep
	for _, name := range names {
		if _, ok := resolved[name]; ok {
			continue
		}
		rd, err := r.resolveOne(name, deps[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		resolved[name] = rd

		if rd.Manifest != nil && len(rd.Manifest.Dependencies) > 0 {
			transitive, err := r.resolveAll(rd.Manifest.Dependencies, resolved)
			if err != nil {
				return nil, err
			}
			order = append(order, transitive...)
		}
		order = append(order, *rd)
	}
	return order, nil
}

func (r *Resolver) resolveOne(name string, dep Dependency) (*ResolvedDep, error) {
	if dep.Path != "" {
		localPath, err := filepath.Abs(r.manifest.abs(dep.Path))
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", dep.Path, err)
		}
		if _, err := os.Stat(localPath); err != nil {
			return nil, fmt.Errorf("local dependency %q not found at %s: %w", name, localPath, err)
		}
		depManifest, _ := Load(localPath)
		return &ResolvedDep{Name: name, LocalPath: localPath, Manifest: depManifest}, nil
	}

	if dep.Git != "" {
		depDir := filepath.Join(r.manifest.DepsDir(), name)
		if _, err := os.Stat(depDir); os.IsNotExist(err) {
			if err := os.MkdirAll(r.manifest.DepsDir(), 0o755); err != nil {
				return nil, fmt.Errorf("creating deps dir: %w", err)
			}
			log.Infof("cloning %s from %s", name, dep.Git)
			if err := gitClone(dep.Git, depDir); err != nil {
				return nil, err
			}
		} else if locked := r.lock.FindLockedDep(name); locked == nil || locked.Tag != dep.Tag {
			log.Infof("fetching %s", name)
			if err := gitFetch(depDir); err != nil {
				return nil, err
			}
		}

		// The lock pins the commit while the requested tag is unchanged.
		ref := dep.Tag
		if locked := r.lock.FindLockedDep(name); locked != nil && locked.Tag == dep.Tag && locked.Commit != "" {
			ref = locked.Commit
		}
		if ref != "" {
			if err := gitCheckout(depDir, ref); err != nil {
				return nil, err
			}
		}
		if clean, err := gitIsClean(depDir); err == nil && !clean {
			log.Warningf("dependency %s has local modifications in %s", name, depDir)
		}

		depManifest, _ := Load(depDir)
		return &ResolvedDep{Name: name, LocalPath: depDir, Manifest: depManifest}, nil
	}

	return nil, fmt.Errorf("dependency %q has no git or path specified", name)
}

func (r *Resolver) writeLock(resolved map[string]*ResolvedDep) error {
	lf := &LockFile{}
	for _, rd := range resolved {
		ld := LockedDep{Name: rd.Name}
		dep, direct := r.manifest.Dependencies[rd.Name]
		switch {
		case !direct:
			// Transitive: pinned by the dependency's own lock.
			continue
		case dep.Git != "":
			ld.Git = dep.Git
			ld.Tag = dep.Tag
			if commit, err := gitCurrentCommit(rd.LocalPath); err == nil {
				ld.Commit = commit
			}
		default:
			ld.Path = dep.Path
		}
		lf.Deps = append(lf.Deps, ld)
	}

	if err := os.MkdirAll(filepath.Dir(r.manifest.LockFilePath()), 0o755); err != nil {
		return err
	}
	return WriteLock(r.manifest.LockFilePath(), lf)
}
