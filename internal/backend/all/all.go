package all

import (
	"github.com/sealvault/sealvault/internal/backend/azure"
	"github.com/sealvault/sealvault/internal/backend/b2"
	"github.com/sealvault/sealvault/internal/backend/gs"
	"github.com/sealvault/sealvault/internal/backend/local"
	"github.com/sealvault/sealvault/internal/backend/location"
	"github.com/sealvault/sealvault/internal/backend/rclone"
	"github.com/sealvault/sealvault/internal/backend/rest"
	"github.com/sealvault/sealvault/internal/backend/s3"
	"github.com/sealvault/sealvault/internal/backend/sftp"
	"github.com/sealvault/sealvault/internal/backend/swift"
)

func Backends() *location.Registry {
	backends := location.NewRegistry()
	backends.Register(azure.NewFactory())
	backends.Register(b2.NewFactory())
	backends.Register(gs.NewFactory())
	backends.Register(local.NewFactory())
	backends.Register(rclone.NewFactory())
	backends.Register(rest.NewFactory())
	backends.Register(s3.NewFactory())
	backends.Register(sftp.NewFactory())
	backends.Register(swift.NewFactory())
	return backends
}
