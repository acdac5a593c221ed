package domain

// SupportedMakes maps make names to the models the collision catalog covers.
var SupportedMakes = map[string][]string{
	"Volkswagen": {"T-Cross", "Nivus", "Polo", "Virtus", "Golf", "Jetta", "Taos", "Tiguan", "Saveiro", "Amarok"},
	"Chevrolet":  {"Onix", "Tracker", "Cruze", "S10", "Spin", "Montana"},
	"Fiat":       {"Argo", "Cronos", "Pulse", "Fastback", "Strada", "Toro", "Mobi"},
	"Toyota":     {"Corolla", "Corolla Cross", "Yaris", "Hilux", "SW4"},
	"Hyundai":    {"HB20", "Creta", "Tucson"},
	"Honda":      {"City", "Civic", "HR-V", "WR-V"},
	"Jeep":       {"Renegade", "Compass", "Commander"},
	"Renault":    {"Kwid", "Duster", "Oroch", "Sandero"},
	"Nissan":     {"Kicks", "Versa", "Sentra", "Frontier"},
}

// MinModelYear is the earliest year we accept.
const MinModelYear = 2000

// MaxModelYear is the latest year we accept (current + 1 for next-year models).
const MaxModelYear = 2027
