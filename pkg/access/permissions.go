// Package access holds the static permission matrix. It has no I/O: callers
// resolve a role first and then ask Can.
package access

import "github.com/ekaya-inc/ekaya-connect/pkg/models"

// Action is an operation on a resource. The "Any" variant applies to every
// instance in the project, not only the caller's own.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionReadAny Action = "readAny"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// Resource is a kind of entity guarded by the matrix.
type Resource string

const (
	ResourceConnection  Resource = "connection"
	ResourceDataRequest Resource = "dataRequest"
	ResourceChart       Resource = "chart"
	ResourceProject     Resource = "project"
	ResourceTeam        Resource = "team"
)

// Actions and Resources enumerate the matrix axes.
var (
	Actions   = []Action{ActionCreate, ActionRead, ActionReadAny, ActionUpdate, ActionDelete}
	Resources = []Resource{ResourceConnection, ResourceDataRequest, ResourceChart, ResourceProject, ResourceTeam}
)

type grants map[Resource][]Action

var (
	readOnly = []Action{ActionRead, ActionReadAny}
	all      = []Action{ActionCreate, ActionRead, ActionReadAny, ActionUpdate, ActionDelete}
)

var matrix = map[models.Role]grants{
	models.RoleViewer: {
		ResourceConnection:  readOnly,
		ResourceDataRequest: readOnly,
		ResourceChart:       readOnly,
		ResourceProject:     {ActionRead},
		ResourceTeam:        {ActionRead},
	},
	models.RoleEditor: {
		ResourceConnection:  readOnly,
		ResourceDataRequest: all,
		ResourceChart:       all,
		ResourceProject:     readOnly,
		ResourceTeam:        {ActionRead},
	},
	models.RoleAdmin: {
		ResourceConnection:  all,
		ResourceDataRequest: all,
		ResourceChart:       all,
		ResourceProject:     {ActionCreate, ActionRead, ActionReadAny, ActionUpdate},
		ResourceTeam:        {ActionRead, ActionReadAny, ActionUpdate},
	},
	models.RoleOwner: {
		ResourceConnection:  all,
		ResourceDataRequest: all,
		ResourceChart:       all,
		ResourceProject:     all,
		ResourceTeam:        all,
	},
}

// Can reports whether role may perform action on resource. Anything not
// listed in the matrix, including unknown roles, is denied.
func Can(role models.Role, action Action, resource Resource) bool {
	for _, a := range matrix[role][resource] {
		if a == action {
			return true
		}
	}
	return false
}
