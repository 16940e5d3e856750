package httpapi

import (
	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/provider"
)

type cameraDTO struct {
	Position     int               `json:"position"`
	Name         string            `json:"name"`
	Class        string            `json:"class"`
	TargetObject string            `json:"target_object"`
	Formats      []string          `json:"formats,omitempty"`
	Infrared     bool              `json:"infrared"`
	Default      bool              `json:"default"`
	Properties   map[string]string `json:"properties,omitempty"`
}

func newCameraDTO(position int, camera *provider.Camera, def *provider.Camera) cameraDTO {
	dto := cameraDTO{
		Position:     position,
		Name:         camera.DisplayName(),
		Class:        camera.DeviceClass(),
		TargetObject: string(camera.TargetObject()),
		Infrared:     camera.Caps().IsInfrared(),
		Default:      camera.SameDevice(def),
		Properties:   camera.Properties(),
	}
	if caps := camera.Caps(); caps != nil {
		dto.Formats = caps.Formats
	}
	return dto
}

type statusDTO struct {
	Backend      string               `json:"backend"`
	Started      bool                 `json:"started"`
	Cameras      int                  `json:"cameras"`
	Availability *availability.Status `json:"availability,omitempty"`
}

type errorDTO struct {
	Error string `json:"error"`
}

const (
	EventSnapshot      = "snapshot"
	EventItemsChanged  = "items-changed"
	EventCameraAdded   = "camera-added"
	EventCameraRemoved = "camera-removed"
	EventStarted       = "started"
	EventAvailability  = "availability"
)

// itemsChangedDTO carries the list as it is after the change so that a
// client can resync from any items-changed event.
type itemsChangedDTO struct {
	Position int         `json:"position"`
	Removed  int         `json:"removed"`
	Added    int         `json:"added"`
	Cameras  []cameraDTO `json:"cameras"`
}

type snapshotDTO struct {
	Status  statusDTO   `json:"status"`
	Cameras []cameraDTO `json:"cameras"`
}

func newCameraDTOs(cameras []*provider.Camera, def *provider.Camera) []cameraDTO {
	res := make([]cameraDTO, len(cameras))
	for i, camera := range cameras {
		res[i] = newCameraDTO(i, camera, def)
	}
	return res
}

// Event is what the websocket stream carries.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
