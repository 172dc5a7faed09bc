package services

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// staticCodecs статические payload type RTP/AVP, для которых rtpmap необязателен
var staticCodecs = map[int]string{
	0:  "PCMU",
	3:  "GSM",
	8:  "PCMA",
	9:  "G722",
	18: "G729",
}

// MediaPolicy проверяет SDP предложение в INVITE. Если ни один медиапоток
// не подходит под разрешенные типы и кодеки, отвечает 488, иначе работает
// как Proxy.
type MediaPolicy struct {
	name   string
	media  map[string]bool
	codecs map[string]bool
}

// NewMediaPolicy создает сервис. Пустой список media или codecs
// не ограничивает соответствующее измерение.
func NewMediaPolicy(name string, media, codecs []string) *MediaPolicy {
	return &MediaPolicy{
		name:   name,
		media:  lowerSet(media),
		codecs: lowerSet(codecs),
	}
}

func lowerSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = true
	}
	return set
}

func (p *MediaPolicy) Name() string {
	return p.name
}

func (p *MediaPolicy) GetAppTsx(h appserver.Helper, _ *appserver.Message) appserver.AppServerTsx {
	return &mediaPolicyTsx{BaseTsx: appserver.NewBaseTsx(h), svc: p}
}

type mediaPolicyTsx struct {
	appserver.BaseTsx
	svc *MediaPolicy
}

func (t *mediaPolicyTsx) OnInitialRequest(req *appserver.Message) {
	if req.Method() == sip.INVITE {
		if body := req.Request().Body(); len(body) > 0 {
			if ok, reason := t.svc.Allows(body); !ok {
				t.Logger().Info("mediaPolicyTsx.OnInitialRequest offer rejected", slog.String("reason", reason))
				_ = t.Reject(appserver.StatusNotAcceptableHere, "")
				_ = t.Release(req)
				return
			}
		}
	}
	joinDialog(t, req)
	forward(t, req)
}

// Allows проверяет SDP предложение. Возвращает false и причину, если
// предложение не разобрано или в нем нет допустимого медиапотока.
func (p *MediaPolicy) Allows(body []byte) (bool, string) {
	var offer sdp.SessionDescription
	if err := offer.Unmarshal(body); err != nil {
		return false, "malformed sdp: " + err.Error()
	}
	if len(offer.MediaDescriptions) == 0 {
		return false, "no media"
	}

	for _, md := range offer.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		if p.media != nil && !p.media[strings.ToLower(md.MediaName.Media)] {
			continue
		}
		if p.codecs == nil {
			return true, ""
		}
		for _, name := range codecNames(md) {
			if p.codecs[strings.ToLower(name)] {
				return true, ""
			}
		}
	}
	return false, "no allowed media or codec"
}

// codecNames имена кодеков медиапотока из rtpmap и статических payload type
func codecNames(md *sdp.MediaDescription) []string {
	rtpmap := make(map[int]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// "<pt> <name>/<rate>[/<channels>]"
		fields := strings.Fields(attr.Value)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		name, _, _ := strings.Cut(fields[1], "/")
		rtpmap[pt] = name
	}

	names := make([]string, 0, len(md.MediaName.Formats))
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil {
			continue
		}
		if name, ok := rtpmap[pt]; ok {
			names = append(names, name)
		} else if name, ok := staticCodecs[pt]; ok {
			names = append(names, name)
		}
	}
	return names
}
