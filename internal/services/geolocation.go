package services

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

// GeoLocator resolves a client IP to a coarse location. nil means unknown.
type GeoLocator interface {
	Lookup(ip string) *models.Geolocation
}

// LocalGeoLocator only recognises private and loopback addresses. It never
// calls an external provider.
type LocalGeoLocator struct{}

func (LocalGeoLocator) Lookup(ip string) *models.Geolocation {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return &models.Geolocation{Country: "local"}
	}
	return nil
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// MaxMindGeoLocator reads a GeoLite2/GeoIP2 City or Country database from disk.
type MaxMindGeoLocator struct {
	reader *maxminddb.Reader
	local  LocalGeoLocator
	logger *zap.Logger
}

func OpenMaxMindGeoLocator(path string, logger *zap.Logger) (*MaxMindGeoLocator, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("GeoIP database loaded",
		zap.String("path", path),
		zap.String("database_type", reader.Metadata.DatabaseType))
	return &MaxMindGeoLocator{reader: reader, logger: logger}, nil
}

func (g *MaxMindGeoLocator) Lookup(ip string) *models.Geolocation {
	if loc := g.local.Lookup(ip); loc != nil {
		return loc
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	var rec geoRecord
	if err := g.reader.Lookup(parsed, &rec); err != nil {
		g.logger.Debug("GeoIP lookup failed", zap.Error(err))
		return nil
	}
	if rec.Country.ISOCode == "" {
		return nil
	}
	loc := &models.Geolocation{
		Country: rec.Country.ISOCode,
		City:    rec.City.Names["en"],
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].ISOCode
	}
	return loc
}

func (g *MaxMindGeoLocator) Close() error {
	return g.reader.Close()
}
