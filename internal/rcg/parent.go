package rcg

// cranedParent is the top-level cgroup directory under which every
// per-job RCG is created. It is a package variable (rather than a
// constant) so tests can point it at a throwaway tree.
var cranedParent = defaultParent()

func defaultParent() string {
	switch DetectMode() {
	case Unified:
		return "craned.slice"
	default:
		return "craned"
	}
}

// SetParent overrides the top-level cgroup directory name; used by
// tests to redirect RCG creation under a throwaway tree.
func SetParent(name string) { cranedParent = name }

func Parent() string { return cranedParent }
