package trip

import (
	"strings"
	"testing"

	"github.com/example/dispatch-coordinator/internal/models"
)

func TestNotificationTextCoversGraph(t *testing.T) {
	statuses := []models.TripStatus{
		models.StatusRequested,
		models.StatusAccepted,
		models.StatusArrived,
		models.StatusPickedUp,
		models.StatusAtDestination,
		models.StatusCompleted,
		models.StatusCancelled,
	}
	seen := map[string]models.TripStatus{}
	for _, s := range statuses {
		text := NotificationText(models.StatusRequested, s)
		if text == "" {
			t.Fatalf("no text for %s", s)
		}
		if prev, ok := seen[text]; ok {
			t.Fatalf("statuses %s and %s share text %q", prev, s, text)
		}
		seen[text] = s
	}
}

func TestNotificationTextUnknownStatus(t *testing.T) {
	text := NotificationText(models.StatusArrived, models.TripStatus("MYSTERY"))
	if !strings.Contains(text, "ARRIVED") || !strings.Contains(text, "MYSTERY") {
		t.Fatalf("fallback should name both statuses, got %q", text)
	}
}
