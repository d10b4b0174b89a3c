package camera

import (
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PinholeCameraIntrinsics holds the intrinsic calibration of a pinhole camera.
type PinholeCameraIntrinsics struct {
	Width  int
	Height int
	Fx     float64
	Fy     float64
	Ppx    float64
	Ppy    float64
}

// CheckValid returns an error if the intrinsics cannot project.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.New("pinhole camera intrinsics not defined")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", params.Width, params.Height)
	}
	if params.Fx <= 0 || params.Fy <= 0 {
		return errors.Errorf("invalid focal lengths fx=%v fy=%v", params.Fx, params.Fy)
	}
	return nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	return r3.Vector{
		X: (x - params.Ppx) / params.Fx * z,
		Y: (y - params.Ppy) / params.Fy * z,
		Z: z,
	}
}

// PointToPixel projects a camera-frame 3D point to pixel coordinates.
func (params *PinholeCameraIntrinsics) PointToPixel(pt r3.Vector) (float64, float64) {
	if pt.Z == 0 {
		return 0, 0
	}
	return pt.X/pt.Z*params.Fx + params.Ppx, pt.Y/pt.Z*params.Fy + params.Ppy
}

// View is one calibrated, posed capture: intrinsics, a world-to-camera rigid
// transform, and a grayscale intensity image for photometric scoring.
type View struct {
	Intrinsics PinholeCameraIntrinsics
	// Rotation is the 3x3 world-to-camera rotation.
	Rotation *mat.Dense
	// Translation is the world-to-camera translation.
	Translation r3.Vector
	Intensity   *image.Gray
}

// CheckValid returns an error when the view cannot be used for matching.
func (v *View) CheckValid() error {
	if err := v.Intrinsics.CheckValid(); err != nil {
		return err
	}
	if v.Rotation == nil {
		return errors.New("view has no rotation")
	}
	if r, c := v.Rotation.Dims(); r != 3 || c != 3 {
		return errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	if v.Intensity == nil {
		return errors.New("view has no intensity image")
	}
	b := v.Intensity.Bounds()
	if b.Dx() != v.Intrinsics.Width || b.Dy() != v.Intrinsics.Height {
		return errors.Errorf("intensity image %dx%d does not match intrinsics %dx%d",
			b.Dx(), b.Dy(), v.Intrinsics.Width, v.Intrinsics.Height)
	}
	return nil
}

// IdentityRotation returns a 3x3 identity rotation.
func IdentityRotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// WorldToCamera maps a world point into the view's camera frame.
func (v *View) WorldToCamera(pt r3.Vector) r3.Vector {
	r := v.Rotation
	return r3.Vector{
		X: r.At(0, 0)*pt.X + r.At(0, 1)*pt.Y + r.At(0, 2)*pt.Z + v.Translation.X,
		Y: r.At(1, 0)*pt.X + r.At(1, 1)*pt.Y + r.At(1, 2)*pt.Z + v.Translation.Y,
		Z: r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z + v.Translation.Z,
	}
}

// CameraToWorld maps a camera-frame point back to world coordinates using the
// transpose of the rotation.
func (v *View) CameraToWorld(pt r3.Vector) r3.Vector {
	r := v.Rotation
	d := pt.Sub(v.Translation)
	return r3.Vector{
		X: r.At(0, 0)*d.X + r.At(1, 0)*d.Y + r.At(2, 0)*d.Z,
		Y: r.At(0, 1)*d.X + r.At(1, 1)*d.Y + r.At(2, 1)*d.Z,
		Z: r.At(0, 2)*d.X + r.At(1, 2)*d.Y + r.At(2, 2)*d.Z,
	}
}

// SampleIntensity bilinearly samples the view's intensity at fractional pixel
// coordinates, normalized to [0,1]. The second return is false outside the
// image.
func (v *View) SampleIntensity(x, y float64) (float64, bool) {
	if x < 0 || y < 0 || x > float64(v.Intrinsics.Width-1) || y > float64(v.Intrinsics.Height-1) {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 > v.Intrinsics.Width-1 {
		x1 = x0
	}
	if y1 > v.Intrinsics.Height-1 {
		y1 = y0
	}
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(px, py int) float64 {
		return float64(v.Intensity.GrayAt(px, py).Y) / 255.0
	}
	top := at(x0, y0)*(1-fx) + at(x1, y0)*fx
	bottom := at(x0, y1)*(1-fx) + at(x1, y1)*fx
	return top*(1-fy) + bottom*fy, true
}
