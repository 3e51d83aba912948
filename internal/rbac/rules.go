package rbac

// Simple default policy. Expand as needed.
var RolePermissions = map[string][]string{
	"student": {
		"stage:view",
		"stage:sync",
		"stage:request-review",
		"coins:view",
		"user:change_password",
	},
	"tutor": {
		"stage:view",
		"stage:sync",
		"stage:request-review",
		"coins:view",
		"user:change_password",
		"material:ingest",
		"students:vet",
		"users:bulk_upsert",
		"users:list",
	},
	"admin": {
		"*", // everything
	},
}
