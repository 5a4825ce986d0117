// Package builtin provides the tools that ship with the brain. Tools read
// their collaborators through narrow interfaces so tests can fake each one;
// a tool whose service is missing reports that to the model instead of
// disappearing from the catalogue.
package builtin

import (
	"cortex/internal/tools"
)

// StateReader is the slice of the store the job tools need.
type StateReader interface {
	JobReader
	ActiveJobCounter
}

// Services carries the brain services the built-in tools drive.
type Services struct {
	Dispatcher Dispatcher
	Waiter     Waiter
	Store      StateReader
	Memory     MemoryService
	Skills     SkillService
	Extensions ExtensionRegistry
	TaskPods   TaskDispatcher
	Info       SystemInfo
}

// Core returns the always-present tools, skill self-management excluded.
func Core(s Services) []tools.Tool {
	return []tools.Tool{
		NewDispatchJob(s.Dispatcher, s.Waiter),
		NewGetJobStatus(s.Store, s.Waiter),
		NewListJobs(s.Store),
		NewDispatchCompanion(s.Dispatcher, s.Waiter),
		NewMemoryStore(s.Memory),
		NewMemorySearch(s.Memory),
		NewMemoryDelete(s.Memory),
		NewSearchRegistry(s.Extensions),
		NewGetSystemInfo(s.Info, s.Store, s.Extensions),
		NewDispatchTaskPod(s.TaskPods),
	}
}

// SelfManagement returns the tools that operate on the agent's own skills.
// They resolve ahead of everything else in the registry.
func SelfManagement(s Services) []tools.Tool {
	return []tools.Tool{
		NewManageSkill(s.Skills),
		NewListSkills(s.Skills),
	}
}
