package fusion

import (
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Feature kinds used in the coverage collection
const (
	CoverageSample    = "sample"
	CoveragePending   = "pending"
	CoverageTrack     = "track"
	CoverageReference = "reference"
)

// topDown projects a canonical session position onto the floor plane
// (x right, z forward); y is up and dropped.
func topDown(p r3.Vector) orb.Point {
	return orb.Point{p.X, p.Z}
}

// BuildCoverage collects the accepted samples, the pending samples, the
// acceptance track and the published reference pose into a GeoJSON
// FeatureCollection in session coordinates (meters, top-down).
func BuildCoverage(pairs []AcceptedPair, pending []r3.Vector, pose *BestPose) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	track := make(orb.LineString, 0, len(pairs))
	for i, pair := range pairs {
		pt := topDown(pair.SessionPosition)
		track = append(track, pt)

		f := geojson.NewFeature(pt)
		f.ID = pair.SampleID
		f.Properties["kind"] = CoverageSample
		f.Properties["index"] = i
		f.Properties["height"] = pair.SessionPosition.Y
		f.Properties["reconstruction"] = []float64{pair.ReconPosition.X, pair.ReconPosition.Y, pair.ReconPosition.Z}
		if pair.FocalLength > 0 {
			f.Properties["focalLength"] = pair.FocalLength
		}
		fc.Append(f)
	}

	if len(track) >= 2 {
		f := geojson.NewFeature(track)
		f.Properties["kind"] = CoverageTrack
		f.Properties["length"] = planar.Length(track)
		fc.Append(f)
	}

	if len(pending) > 0 {
		mp := make(orb.MultiPoint, len(pending))
		for i, p := range pending {
			mp[i] = topDown(p)
		}
		f := geojson.NewFeature(mp)
		f.Properties["kind"] = CoveragePending
		f.Properties["count"] = len(pending)
		fc.Append(f)
	}

	if pose != nil {
		// The published pose is in the device convention; bring it back to
		// canonical so it shares the samples' frame.
		canonical := handednessFlip.MulVec(pose.Position)
		f := geojson.NewFeature(topDown(canonical))
		f.Properties["kind"] = CoverageReference
		f.Properties["height"] = canonical.Y
		f.Properties["score"] = pose.Score
		f.Properties["rmse"] = pose.RMSE
		f.Properties["scale"] = pose.Scale
		f.Properties["rotation_xyzw"] = pose.RotationXYZW[:]
		fc.Append(f)
	}

	return fc
}

// coverageBound returns the bound of every feature, or an empty bound
func coverageBound(fc *geojson.FeatureCollection) (orb.Bound, bool) {
	var b orb.Bound
	found := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		fb := f.Geometry.Bound()
		if !found {
			b = fb
			found = true
			continue
		}
		b = b.Union(fb)
	}
	return b, found
}
