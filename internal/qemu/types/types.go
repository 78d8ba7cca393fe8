package types

// CommandInfo is an entry of the "query-commands" result.
type CommandInfo struct {
	Name string `json:"name"`
}

// MachineInfo is an entry of the "query-machines" result.
type MachineInfo struct {
	Name        string `json:"name"`
	Alias       string `json:"alias,omitempty"`
	IsDefault   bool   `json:"is-default,omitempty"`
	HotplugCPUs bool   `json:"hotpluggable-cpus"`
}
