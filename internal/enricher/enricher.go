package enricher

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// Metadata keys attached to new assignments
const (
	KeyDevice  = "device"
	KeyBrowser = "browser"
	KeyOS      = "os"
	KeyCountry = "country"
)

type countryLookup interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Enricher derives assignment metadata from the request that triggered it
type Enricher struct {
	geoIP countryLookup
}

// NewEnricher loads the GeoIP database at geoIPPath. Without one, country is never set.
func NewEnricher(geoIPPath string) *Enricher {
	var geoIP countryLookup
	if geoIPPath != "" {
		reader, err := geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable")
		} else {
			geoIP = reader
		}
	}

	return &Enricher{
		geoIP: geoIP,
	}
}

// Metadata returns device, browser, os and country tags for a user agent and client IP
func (e *Enricher) Metadata(userAgentString, clientIP string) map[string]string {
	md := make(map[string]string)

	// Parse user agent
	if userAgentString != "" {
		ua := useragent.New(userAgentString)
		if browser, _ := ua.Browser(); browser != "" {
			md[KeyBrowser] = browser
		}
		if os := ua.OS(); os != "" {
			md[KeyOS] = os
		}
		md[KeyDevice] = getDeviceType(ua)
	}

	// GeoIP lookup
	if e.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			record, err := e.geoIP.Country(ip)
			if err == nil && record.Country.IsoCode != "" {
				md[KeyCountry] = record.Country.IsoCode
			}
		}
	}

	return md
}

// FromRequest is Metadata for r's User-Agent and client address
func (e *Enricher) FromRequest(r *http.Request) map[string]string {
	return e.Metadata(r.Header.Get("User-Agent"), ClientIP(r))
}

// ClientIP prefers X-Real-IP, then the first X-Forwarded-For hop, then RemoteAddr
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func getDeviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
