package file_test

import (
	"testing"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/persistence/file"
	"github.com/dukex/waypoint/pkg/persistence/persistencetest"
)

func TestFilePersistence_Contract(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return file.NewPersistence(t.TempDir())
	})
}
