package simulator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/kilianp07/ambulance/core/model"
)

const kmPerDegree = 111.19

// GenerateFleet creates Count ambulances with IDs <prefix>0001.. placed
// uniformly at random within SpreadKM of Center.
func GenerateFleet(cfg Config, rng *rand.Rand) []*Ambulance {
	if cfg.Count <= 0 {
		return nil
	}
	out := make([]*Ambulance, cfg.Count)
	for i := range out {
		id := fmt.Sprintf("%s%04d", cfg.IDPrefix, i+1)
		// sqrt keeps the density uniform over the disc
		r := cfg.SpreadKM * math.Sqrt(rng.Float64())
		theta := 2 * math.Pi * rng.Float64()
		out[i] = &Ambulance{
			ID:            id,
			DriverID:      "drv-" + id,
			VehicleNumber: fmt.Sprintf("SIM-%04d", i+1),
			Location:      offset(cfg.Center, r*math.Cos(theta), r*math.Sin(theta)),
		}
	}
	return out
}

// offset moves loc by the given kilometres north and east.
func offset(loc model.Location, northKM, eastKM float64) model.Location {
	lat := loc.Lat + northKM/kmPerDegree
	lng := loc.Lng + eastKM/(kmPerDegree*math.Cos(loc.Lat*math.Pi/180))
	return model.Location{Lat: lat, Lng: lng}
}
