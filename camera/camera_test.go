package camera

import (
	"image"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestPinholeProjectionRoundTrip(t *testing.T) {
	intrinsics := PinholeCameraIntrinsics{
		Width: 640, Height: 480,
		Fx: 500, Fy: 510, Ppx: 320, Ppy: 240,
	}
	test.That(t, intrinsics.CheckValid(), test.ShouldBeNil)

	pt := intrinsics.PixelToPoint(100, 200, 2.5)
	test.That(t, pt.Z, test.ShouldEqual, 2.5)
	px, py := intrinsics.PointToPixel(pt)
	test.That(t, px, test.ShouldAlmostEqual, 100)
	test.That(t, py, test.ShouldAlmostEqual, 200)

	// principal point projects onto itself
	center := intrinsics.PixelToPoint(320, 240, 1)
	test.That(t, center.X, test.ShouldAlmostEqual, 0)
	test.That(t, center.Y, test.ShouldAlmostEqual, 0)

	bad := PinholeCameraIntrinsics{Width: 640, Height: 480}
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, nilIntrinsics.CheckValid(), test.ShouldNotBeNil)
}

func TestViewTransforms(t *testing.T) {
	// 90 degree rotation about z plus a translation
	view := View{
		Intrinsics: PinholeCameraIntrinsics{Width: 4, Height: 4, Fx: 1, Fy: 1, Ppx: 2, Ppy: 2},
		Rotation: mat.NewDense(3, 3, []float64{
			0, -1, 0,
			1, 0, 0,
			0, 0, 1,
		}),
		Translation: r3.Vector{X: 1, Y: 2, Z: 3},
		Intensity:   image.NewGray(image.Rect(0, 0, 4, 4)),
	}
	test.That(t, view.CheckValid(), test.ShouldBeNil)

	world := r3.Vector{X: 0.5, Y: -0.25, Z: 2}
	cam := view.WorldToCamera(world)
	test.That(t, cam.X, test.ShouldAlmostEqual, 0.25+1)
	test.That(t, cam.Y, test.ShouldAlmostEqual, 0.5+2)
	test.That(t, cam.Z, test.ShouldAlmostEqual, 2+3)

	back := view.CameraToWorld(cam)
	test.That(t, back.X, test.ShouldAlmostEqual, world.X)
	test.That(t, back.Y, test.ShouldAlmostEqual, world.Y)
	test.That(t, back.Z, test.ShouldAlmostEqual, world.Z)
}

func TestViewCheckValid(t *testing.T) {
	good := View{
		Intrinsics: PinholeCameraIntrinsics{Width: 4, Height: 4, Fx: 1, Fy: 1, Ppx: 2, Ppy: 2},
		Rotation:   IdentityRotation(),
		Intensity:  image.NewGray(image.Rect(0, 0, 4, 4)),
	}
	test.That(t, good.CheckValid(), test.ShouldBeNil)

	noRot := good
	noRot.Rotation = nil
	test.That(t, noRot.CheckValid(), test.ShouldNotBeNil)

	wrongImage := good
	wrongImage.Intensity = image.NewGray(image.Rect(0, 0, 3, 4))
	test.That(t, wrongImage.CheckValid(), test.ShouldNotBeNil)
}

func TestSampleIntensity(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.Pix[0] = 0
	img.Pix[1] = 255
	view := View{
		Intrinsics: PinholeCameraIntrinsics{Width: 2, Height: 1, Fx: 1, Fy: 1, Ppx: 1, Ppy: 0.5},
		Rotation:   IdentityRotation(),
		Intensity:  img,
	}

	v, ok := view.SampleIntensity(0, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 0)

	v, ok = view.SampleIntensity(1, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 1)

	v, ok = view.SampleIntensity(0.5, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 0.5)

	_, ok = view.SampleIntensity(-0.1, 0)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = view.SampleIntensity(1.5, 0)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDepthMap(t *testing.T) {
	dm := NewEmptyDepthMap(3, 2)
	test.That(t, dm.Width(), test.ShouldEqual, 3)
	test.That(t, dm.Height(), test.ShouldEqual, 2)
	test.That(t, dm.HasData(), test.ShouldBeTrue)

	dm.Set(1, 1, 2.5)
	dm.Set(2, 0, 0.5)
	test.That(t, dm.GetDepth(1, 1), test.ShouldEqual, 2.5)

	lo, hi := dm.MinMax()
	test.That(t, lo, test.ShouldEqual, 0.5)
	test.That(t, hi, test.ShouldEqual, 2.5)

	// zeros mean no measurement
	empty := NewEmptyDepthMap(3, 2)
	lo, hi = empty.MinMax()
	test.That(t, lo, test.ShouldEqual, 0.0)
	test.That(t, hi, test.ShouldEqual, 0.0)

	clone := dm.Clone()
	clone.Set(0, 0, 9)
	test.That(t, dm.GetDepth(0, 0), test.ShouldEqual, 0.0)

	diff, err := dm.MeanAbsDiff(clone)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, diff, test.ShouldAlmostEqual, 9.0/6.0)

	_, err = dm.MeanAbsDiff(NewEmptyDepthMap(2, 2))
	test.That(t, err, test.ShouldNotBeNil)
}
