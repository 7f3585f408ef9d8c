package domain

var Tables = []interface{}{
	&TelemetryRecord{},
}
