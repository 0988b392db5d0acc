package notify

import (
	"fmt"
	"time"
)

// ArrivalVibration is the pattern used for arrival alarms: buzz, pause, buzz.
var ArrivalVibration = []time.Duration{500 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond, 250 * time.Millisecond, 800 * time.Millisecond}

// ArrivalAlert builds the alarm for reaching stationName.
func ArrivalAlert(sessionID, stationID, stationName string) Alert {
	return Alert{
		SessionID: sessionID,
		StationID: stationID,
		Title:     "Wake up! Your stop is next",
		Body:      fmt.Sprintf("Arriving at %s. Time to get off.", stationName),
		PlaySound: true,
		Vibration: ArrivalVibration,
	}
}
