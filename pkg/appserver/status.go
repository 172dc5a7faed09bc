package appserver

// Коды ответов, которые формирует движок
const (
	StatusTrying                      = 100
	StatusOK                          = 200
	StatusNotFound                    = 404
	StatusRequestTimeout              = 408
	StatusCallTransactionDoesNotExist = 481
	StatusRequestTerminated           = 487
	StatusNotAcceptableHere           = 488
	StatusInternalServerError         = 500
	StatusServiceUnavailable          = 503
)

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// ReasonPhrase стандартная фраза для кода ответа
func ReasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	switch {
	case status < 200:
		return "Session Progress"
	case status < 300:
		return "OK"
	case status < 400:
		return "Redirect"
	case status < 500:
		return "Client Error"
	case status < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

func reasonOr(status int, reason string) string {
	if reason != "" {
		return reason
	}
	return ReasonPhrase(status)
}
