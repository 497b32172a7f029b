package faults

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/datadog"
)

const topic = "event/fault"

// Publisher is the outbound half of the bus the reporter needs.
type Publisher interface {
	Publish(topic, payload string) error
}

// Reporter publishes hardware fault events so dashboards and alerting can
// pick them up without scraping logs.
type Reporter struct {
	pub Publisher
}

func New(pub Publisher) *Reporter {
	return &Reporter{pub: pub}
}

func (r *Reporter) ReportFault(component, reason string) {
	datadog.Count("fault", 1, "component:"+component)

	if r.pub == nil {
		return
	}
	body := fmt.Sprintf(`{"component":%q,"reason":%q,"at":%q}`,
		component, reason, time.Now().Format(time.RFC3339))
	if err := r.pub.Publish(topic, body); err != nil {
		log.Error().Err(err).Str("component", component).Msg("Failed to publish fault event")
	}
}
