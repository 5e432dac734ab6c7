package errkind

import (
	"errors"
	"testing"
)

func TestIsMatchesKindNotMessage(t *testing.T) {
	err := Connectivityf("dial %s: timeout", "127.0.0.1:2357")
	if !errors.Is(err, ErrConnectivity) {
		t.Fatal("expected formatted error to match its sentinel kind")
	}
	if errors.Is(err, ErrProtocol) {
		t.Fatal("connectivity error must not match a different kind")
	}
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []error{ErrConnectivity, ErrProtocol, ErrCorruption, ErrConsistency, ErrClient, ErrResource}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Fatalf("kind %d unexpectedly matches kind %d", i, j)
			}
		}
	}
}
