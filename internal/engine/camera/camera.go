// Package camera positions the eye point used for LOD selection.
package camera

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// OrbitCamera orbits a center point in a Z-up world.
type OrbitCamera struct {
	Center math.Vec3

	// Spherical coordinates
	Distance float32
	Pitch    float32 // elevation above the XY plane, radians
	Yaw      float32 // heading around Z, radians

	// Constraints
	MinDistance float32
	MaxDistance float32
	MinPitch    float32
	MaxPitch    float32

	ZoomSensitivity float32
}

// NewOrbitCamera creates a camera with default constraints.
func NewOrbitCamera() *OrbitCamera {
	return &OrbitCamera{
		Distance:        200,
		Pitch:           0.5,
		MinDistance:     1,
		MaxDistance:     1e6,
		MinPitch:        0.05,
		MaxPitch:        1.5,
		ZoomSensitivity: 0.1,
	}
}

// Position returns the eye point in world space.
func (c *OrbitCamera) Position() math.Vec3 {
	horiz := c.Distance * math32.Cos(c.Pitch)
	return math.Vec3{
		X: c.Center.X + horiz*math32.Cos(c.Yaw),
		Y: c.Center.Y + horiz*math32.Sin(c.Yaw),
		Z: c.Center.Z + c.Distance*math32.Sin(c.Pitch),
	}
}

// Rotate turns the camera by the given yaw and pitch deltas.
func (c *OrbitCamera) Rotate(dYaw, dPitch float32) {
	c.Yaw = math32.Mod(c.Yaw+dYaw, 2*math32.Pi)
	c.Pitch = clamp(c.Pitch+dPitch, c.MinPitch, c.MaxPitch)
}

// Zoom moves towards the center for positive delta.
func (c *OrbitCamera) Zoom(delta float32) {
	c.SetDistance(c.Distance - delta*c.Distance*c.ZoomSensitivity)
}

// SetDistance sets the distance within the configured limits.
func (c *OrbitCamera) SetDistance(d float32) {
	c.Distance = clamp(d, c.MinDistance, c.MaxDistance)
}

// FitToBound centers the camera on a bounding sphere and backs off far
// enough to see all of it.
func (c *OrbitCamera) FitToBound(b scene.Sphere) {
	c.Center = b.Center
	c.MaxDistance = max(c.MaxDistance, b.Radius*4)
	c.SetDistance(b.Radius * 2)
	c.Pitch = clamp(0.6, c.MinPitch, c.MaxPitch)
	c.Yaw = 0
}

// Flight sweeps an orbit camera in and out while circling, so a fly-over
// visits every level of detail of a paged database.
type Flight struct {
	Camera *OrbitCamera

	Near, Far float32 // distance range of the sweep
	YawRate   float32 // radians per second
	SweepRate float32 // sweep cycles per second
	elapsed   float32
}

// NewFlight fits a camera to b and sweeps between near and far distances.
func NewFlight(b scene.Sphere, near, far float32) *Flight {
	c := NewOrbitCamera()
	c.FitToBound(b)
	c.MinDistance = min(c.MinDistance, near)
	c.MaxDistance = max(c.MaxDistance, far)
	return &Flight{Camera: c, Near: near, Far: far, YawRate: 0.2, SweepRate: 0.02}
}

// Advance moves the flight forward by dt seconds and returns the new eye.
func (f *Flight) Advance(dt float32) math.Vec3 {
	f.elapsed += dt
	f.Camera.Rotate(f.YawRate*dt, 0)
	// Cosine sweep starting at Far.
	t := 0.5 + 0.5*math32.Cos(2*math32.Pi*f.SweepRate*f.elapsed)
	f.Camera.SetDistance(f.Near + (f.Far-f.Near)*t)
	return f.Camera.Position()
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
