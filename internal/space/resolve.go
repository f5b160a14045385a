package space

import "fmt"

// Resolve binds every image's imports against the exports of the
// dependencies that image declares. Unresolved imports and unreadable
// exports become warnings; their slots stay unpatched and simply never
// point at real bytes.
func (s *Space) Resolve() {
	for _, img := range s.images {
		s.resolveImage(img)
	}
}

// resolveImage builds the export table visible to img: the union of its
// declared dependencies' exports, first declaration winning on duplicates,
// mirroring library search order.
func (s *Space) resolveImage(img Binary) {
	exports := make(map[string]uint64)
	for _, dep := range img.Deps() {
		lib, ok := s.byName[dep]
		if !ok {
			continue
		}
		for _, ex := range lib.Exports() {
			if _, dup := exports[ex.Name]; dup {
				continue
			}
			addr, err := lib.ResolveExportAddr(ex.Name)
			if err != nil {
				s.warn(fmt.Sprintf("export address unreadable: %v", err), lib.Name(), ex.Name)
				continue
			}
			exports[ex.Name] = addr
		}
	}

	for _, im := range img.Imports() {
		addr, ok := exports[im.Name]
		if !ok {
			s.warn("unresolved import", img.Name(), im.Name)
			continue
		}
		if err := img.PatchImport(im.Name, addr); err != nil {
			s.warn(fmt.Sprintf("import patch failed: %v", err), img.Name(), im.Name)
			continue
		}
		s.debugf("bound import", "image", img.Name(), "symbol", im.Name, "addr", fmt.Sprintf("%#x", addr))
	}
}
