package tools

// BuiltinEntries returns every builtin control tool. MCP-discovered
// tools are registered separately by the MCP manager.
func BuiltinEntries() []*Entry {
	var entries []*Entry
	entries = append(entries, ShellTools()...)
	entries = append(entries, ControlTools()...)
	entries = append(entries, NoteTools()...)
	return entries
}
