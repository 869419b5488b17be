// Package comdat implements spec §4.2: each comdat group is assigned a
// single owning file by lowest file priority; every other file's copy of
// the group's member sections is killed.
package comdat

import (
	"github.com/sourcegraph/conc/pool"

	"github.com/xyproto/moldcore/internal/obj"
)

// Resolve registers every file's comdat groups into ctx's shared map (an
// atomic min over racing file priorities), then - once every file has
// registered - kills the member sections of every file that isn't the
// winner. Two passes are required because a file cannot know whether it
// won until every other file has had a chance to register (spec §4.2).
func Resolve(ctx *obj.Context, files []*obj.File, p *pool.Pool) {
	for _, f := range files {
		f := f
		if !f.IsAlive.Load() || len(f.ComdatMembers) == 0 {
			continue
		}
		p.Go(func() {
			for sig := range f.ComdatMembers {
				g := ctx.ComdatFor(sig)
				for {
					cur := g.Owner.Load()
					if f.Priority >= cur {
						break
					}
					if g.Owner.CAS(cur, f.Priority) {
						break
					}
				}
			}
		})
	}
	p.Wait()

	kill := ctx.Pool()
	for _, f := range files {
		f := f
		if !f.IsAlive.Load() || len(f.ComdatMembers) == 0 {
			continue
		}
		kill.Go(func() {
			for sig, members := range f.ComdatMembers {
				g := ctx.ComdatFor(sig)
				if g.Owner.Load() == f.Priority {
					continue // this file is the winner; keep its sections alive
				}
				for _, shndx := range members {
					if shndx < 0 || shndx >= len(f.Sections) || f.Sections[shndx] == nil {
						continue
					}
					f.Sections[shndx].IsAlive.Store(false)
				}
			}
		})
	}
	kill.Wait()
}
