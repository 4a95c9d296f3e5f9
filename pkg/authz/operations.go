// Package authz makes allow or deny decisions for named operations using
// an ordered rule chain over immutable access snapshots.
package authz

import (
	"github.com/securedocs/sdap/pkg/access"
)

// Operation names. Every route is annotated with exactly one of these.
const (
	OpPreviewFile       = "preview_file"
	OpListContainers    = "list_containers"
	OpReadMetadata      = "read_metadata"
	OpUploadFile        = "upload_file"
	OpUpdateFile        = "update_file"
	OpUpdateMetadata    = "update_metadata"
	OpCreateContainer   = "create_container"
	OpDeleteFile        = "delete_file"
	OpDeleteContainer   = "delete_container"
	OpShareFile         = "share_file"
	OpManagePermissions = "manage_permissions"
	OpManageContainers  = "manage_containers"
)

// requiredLevels maps each operation onto the access level it needs.
var requiredLevels = map[string]string{
	OpPreviewFile:       access.LevelRead,
	OpListContainers:    access.LevelRead,
	OpReadMetadata:      access.LevelRead,
	OpUploadFile:        access.LevelWrite,
	OpUpdateFile:        access.LevelWrite,
	OpUpdateMetadata:    access.LevelWrite,
	OpCreateContainer:   access.LevelWrite,
	OpDeleteFile:        access.LevelDelete,
	OpDeleteContainer:   access.LevelDelete,
	OpShareFile:         access.LevelShare,
	OpManagePermissions: access.LevelShare,
	OpManageContainers:  access.LevelAdmin,
}

// RequiredLevel returns the access level an operation needs. Unknown
// operations report false and are denied by the engine.
func RequiredLevel(operation string) (string, bool) {
	level, ok := requiredLevels[operation]
	return level, ok
}
