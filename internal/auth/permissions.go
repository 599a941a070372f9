package auth

type Permission string

const (
	PermWriteOutputs Permission = "outputs:write"
	PermWriteLEDs    Permission = "leds:write"
	PermDetect       Permission = "bus:detect"
)

const (
	RoleOperator   = "operator"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

var rolePermissions = map[string][]Permission{
	RoleOperator:   {PermWriteOutputs, PermWriteLEDs},
	RoleTechnician: {PermWriteOutputs, PermWriteLEDs, PermDetect},
	RoleAdmin:      {PermWriteOutputs, PermWriteLEDs, PermDetect},
}

// RolePermissions returns the permissions granted to role, nil for unknown roles.
func RolePermissions(role string) []Permission {
	return rolePermissions[role]
}
