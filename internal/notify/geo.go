package notify

import (
	"math"

	"wisefido-vitals/internal/models"
)

const earthRadiusKm = 6371.0088

// HaversineKm 两点间大圆距离（公里）
func HaversineKm(a, b models.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Nearest 最近的可接收医院（capacity > 0）；距离相同按 hospital_id 升序
func Nearest(hospitals []models.Hospital, loc models.Location) (models.Hospital, float64, bool) {
	var best models.Hospital
	bestDist := math.Inf(1)
	found := false

	for _, h := range hospitals {
		if h.Capacity <= 0 {
			continue
		}
		d := HaversineKm(loc, h.Location)
		if !found || d < bestDist || (d == bestDist && h.HospitalID < best.HospitalID) {
			best, bestDist, found = h, d, true
		}
	}
	return best, bestDist, found
}
