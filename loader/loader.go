/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jacobin-tools/classdeobf/universe"
)

// Load parses every entry in files (archive entry name → raw .class
// bytes) into ir.ClassNode concurrently via errgroup, per §5's
// "ambient parallelism, non-core" allowance: this runs entirely before
// a universe.Universe exists, so there is no shared mutable state for
// the goroutines to race over. The returned Universe is keyed by each
// parsed class's own internal name, not the archive entry name,
// matching how the pipeline and sandbox resolve classes by name
// elsewhere.
func Load(ctx context.Context, files map[string][]byte) (*universe.Universe, error) {
	type parsed struct {
		origin string
		class  *universe.Class
	}

	results := make([]parsed, len(files))
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			node, err := ParseClass(files[name])
			if err != nil {
				return fmt.Errorf("loader: %s: %w", name, err)
			}
			results[i] = parsed{origin: name, class: &universe.Class{Node: node, Origin: name}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	u := universe.New()
	for _, r := range results {
		u.Put(r.class.Node.Name, r.class)
	}
	return u, nil
}
