package worker

import (
	"github.com/apartner/apartner-talk/internal/service"
)

// StartPushWorker registers the realtime relay handlers.
func StartPushWorker(pushService *service.PushService) {
	if pushService == nil {
		return
	}
	pushService.RegisterHandlers()
}
