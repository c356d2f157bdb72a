package config

// FileEntry is a regular file with inline content and an optional mode.
type FileEntry struct {
	Content string  `json:"content"`
	Mode    *uint32 `json:"mode,omitempty"`
}

// SymlinkEntry is a symbolic link to Target.
type SymlinkEntry struct {
	Target string `json:"target"`
}

// Entry is a tagged union: exactly one of File or Symlink is set.
// Everything applying or diffing entries matches on the set case.
type Entry struct {
	File    *FileEntry    `json:"file,omitempty"`
	Symlink *SymlinkEntry `json:"symlink,omitempty"`
}

func NewFile(content string) Entry {
	return Entry{File: &FileEntry{Content: content}}
}

func NewFileWithMode(content string, mode uint32) Entry {
	return Entry{File: &FileEntry{Content: content, Mode: &mode}}
}

func NewSymlink(target string) Entry {
	return Entry{Symlink: &SymlinkEntry{Target: target}}
}

// Equal compares entries by value: kind, content, mode and target.
func (e Entry) Equal(o Entry) bool {
	switch {
	case e.File != nil && o.File != nil:
		if e.File.Content != o.File.Content {
			return false
		}
		if (e.File.Mode == nil) != (o.File.Mode == nil) {
			return false
		}
		return e.File.Mode == nil || *e.File.Mode == *o.File.Mode
	case e.Symlink != nil && o.Symlink != nil:
		return e.Symlink.Target == o.Symlink.Target
	default:
		return false
	}
}
