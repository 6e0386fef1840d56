package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all earmark metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	AnnotationWrites metric.Int64Counter
	SyncDuration     metric.Float64Histogram
	SyncErrors       metric.Int64Counter
	BackupsCreated   metric.Int64Counter
	Forfeits         metric.Int64Counter
	RecordingUploads metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("earmark.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AnnotationWrites, err = meter.Int64Counter("earmark.annotation.writes",
		metric.WithDescription("Durable annotation writes"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("earmark.sync.duration",
		metric.WithDescription("Remote sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncErrors, err = meter.Int64Counter("earmark.sync.errors",
		metric.WithDescription("Failed remote sync attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupsCreated, err = meter.Int64Counter("earmark.backup.created",
		metric.WithDescription("Backup snapshots written to the remote store"),
	)
	if err != nil {
		return nil, err
	}

	m.Forfeits, err = meter.Int64Counter("earmark.session.forfeits",
		metric.WithDescription("Timed sessions ended by forfeiture"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordingUploads, err = meter.Int64Counter("earmark.recording.uploads",
		metric.WithDescription("Recordings uploaded to the remote store"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("earmark.session.active",
		metric.WithDescription("Number of currently active timed sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
