package avatar

import "context"

// RenderProbe inspects the host page the avatar renders into.
//
// The controller polls HasRenderSurface after init to confirm the avatar is
// visibly drawing, not merely connected. An engine that exposes a reliable
// ready event can satisfy the probe from that event instead.
type RenderProbe interface {
	// ContainerExists reports whether the element with the given id exists.
	ContainerExists(ctx context.Context, containerID string) (bool, error)

	// HasRenderSurface reports whether the element holds a canvas- or
	// video-like child.
	HasRenderSurface(ctx context.Context, containerID string) (bool, error)
}
