package appserver

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ServiceSelector выбирает имя сервиса для первичного запроса
type ServiceSelector func(req *sip.Request) string

// RouteSelector выбирает сервис по хосту вида <service>.<homeDomain>
// в верхнем Route или в Request-URI. Если совпадения нет, возвращает
// defaultService.
func RouteSelector(homeDomain, defaultService string) ServiceSelector {
	suffix := "." + strings.ToLower(homeDomain)

	match := func(host string) string {
		host = strings.ToLower(host)
		if homeDomain == "" || !strings.HasSuffix(host, suffix) {
			return ""
		}
		return strings.TrimSuffix(host, suffix)
	}

	return func(req *sip.Request) string {
		if h := req.GetHeader("Route"); h != nil {
			if uri, ok := parseRouteURI(h.Value()); ok {
				if name := match(uri.Host); name != "" {
					return name
				}
			}
		}
		if name := match(req.Recipient.Host); name != "" {
			return name
		}
		return defaultService
	}
}

// parseRouteURI разбирает первый URI из значения Route
func parseRouteURI(value string) (sip.Uri, bool) {
	if i := strings.Index(value, ","); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	if start := strings.Index(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			value = value[start+1 : start+end]
		}
	}

	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}
