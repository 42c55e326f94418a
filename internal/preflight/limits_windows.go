package preflight

func openFileLimit() (int, bool) { return 0, false }

func coreFileLimit() (int, bool) { return 0, false }
