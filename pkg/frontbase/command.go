package frontbase

// Command is one operation the binary can perform.
type Command interface {
	Name() string
}

// RunCommand serves the socket endpoint until the context ends.
type RunCommand struct{}

func (c *RunCommand) Name() string {
	return "run"
}

// MigrateCommand creates or updates the store schema and exits.
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string {
	return "migrate"
}
