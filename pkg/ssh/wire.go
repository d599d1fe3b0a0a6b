package ssh

// Wire formats for the session channel requests this server understands,
// per RFC 4254.

type ptyRequestMsg struct {
	Term     string
	Width    uint32
	Height   uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type windowChangeMsg struct {
	Width    uint32
	Height   uint32
	WidthPx  uint32
	HeightPx uint32
}

type envRequestMsg struct {
	Name  string
	Value string
}

type subsystemRequestMsg struct {
	Subsystem string
}

type exitStatusMsg struct {
	Status uint32
}
