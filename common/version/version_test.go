package version_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Kiroku/common/version"
)

func TestInfoAndUserAgent(t *testing.T) {
	if !strings.Contains(version.Info(), version.Version) {
		t.Errorf("Info %q lacks version", version.Info())
	}
	if got := version.UserAgent(); got != "Kiroku/"+version.Version {
		t.Errorf("UserAgent = %q", got)
	}
}
