package detections

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var ErrNoOutputDir = errors.New("no free output directory")

// OutputDirs allocates one fresh directory per detection run under Root:
// predict, predict2, predict3, ... Directories are created with os.Mkdir, so
// concurrent runs never share one.
type OutputDirs struct {
	Root string
	Name string
}

func NewOutputDirs(root string) *OutputDirs {
	return &OutputDirs{Root: root, Name: predictDirName}
}

func (o *OutputDirs) Next() (string, error) {
	if err := os.MkdirAll(o.Root, 0o755); err != nil {
		return "", fmt.Errorf("create output root: %w", err)
	}

	for i := 1; i <= maxOutputDirs; i++ {
		name := o.Name
		if i > 1 {
			name += strconv.Itoa(i)
		}
		dir := filepath.Join(o.Root, name)

		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}
	return "", fmt.Errorf("%w under %s", ErrNoOutputDir, o.Root)
}
