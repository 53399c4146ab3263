package vox

// Bounds is an axis-aligned box given by its center and full size.
type Bounds struct {
	Center Vector3d
	Size   Vector3d
}

// BoundsFromCorners returns the bounds spanning two opposite corners in any order.
func BoundsFromCorners(a, b Vector3d) Bounds {
	lo := a.Min(b)
	hi := a.Max(b)
	size := hi.Subtract(lo)
	return Bounds{Center: lo.Add(size.Scale(0.5)), Size: size}
}

// Min returns the lower corner, center - size/2.
func (b Bounds) Min() Vector3d {
	return b.Center.Subtract(b.Size.Scale(0.5))
}

// Max returns the upper corner, center + size/2.
func (b Bounds) Max() Vector3d {
	return b.Center.Add(b.Size.Scale(0.5))
}

// Intersects returns true if the closed boxes overlap on all three axes.  Boxes that
// only touch at a face, edge or corner intersect.
func (b Bounds) Intersects(x Bounds) bool {
	amin, amax := b.Min(), b.Max()
	bmin, bmax := x.Min(), x.Max()
	for i := 0; i < 3; i++ {
		if amin[i] > bmax[i] || amax[i] < bmin[i] {
			return false
		}
	}
	return true
}
