package sandbox

// State tracks the files a DirMounter has written
type State struct {
	ManagedFiles map[string]ManagedFile `json:"managed_files"`
}

// ManagedFile represents a file under management
type ManagedFile struct {
	Hash string `json:"hash"` // SHA256 hash of content
}

// Plan represents the file operations needed to match a mount tree
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp
}

// Empty reports whether the plan has nothing to do
func (p *Plan) Empty() bool {
	return len(p.Add) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// FileOp represents a file operation
type FileOp struct {
	RelPath  string // slash separated, relative to the mount root
	DestPath string // absolute path on disk
	Hash     string
	Contents string
}
