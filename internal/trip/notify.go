package trip

import (
	"fmt"

	"github.com/example/dispatch-coordinator/internal/models"
)

// NotificationText is the single source of user-facing wording for a
// status change. Rendering layers call this instead of keeping their
// own status-to-message tables.
func NotificationText(old, next models.TripStatus) string {
	switch next {
	case models.StatusRequested:
		return "Your request has been received and a unit has been assigned."
	case models.StatusAccepted:
		return "The operator accepted your request. The unit is on its way."
	case models.StatusArrived:
		return "The unit has arrived at the pickup location."
	case models.StatusPickedUp:
		return "Pickup confirmed. The trip is underway."
	case models.StatusAtDestination:
		return "The unit has reached the destination."
	case models.StatusCompleted:
		return "The trip is complete. Thank you."
	case models.StatusCancelled:
		return "The trip has been cancelled."
	default:
		return fmt.Sprintf("Trip status changed from %s to %s.", old, next)
	}
}
