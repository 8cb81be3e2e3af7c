package fsd

import (
	"fmt"
)

// queryTemplates maps client-query type codes to sentence templates.
// The first verb slot is filled with the querying callsign, the second
// with the query data.
var queryTemplates = map[string]string{
	"WH":      "%s asks who has %s",
	"SC":      "%s sets scratchpad %s",
	"TA":      "%s sets temporary altitude %s",
	"HT":      "%s hands off %s",
	"BC":      "%s assigns squawk %s",
	"DR":      "%s requests direct route %s",
	"VT":      "%s sets voice type %s",
	"NEWATIS": "%s publishes new ATIS %s",
	"ATIS":    "%s requests ATIS from %s",
	"RN":      "%s requests real name of %s",
	"FP":      "%s requests flight plan of %s",
	"CAPS":    "%s queries capabilities of %s",
	"IP":      "%s requests public IP %s",
}

// summarize renders a human-readable one-liner for a decoded message.
// It is presentational only and tolerates missing or malformed fields;
// the primary decode is never affected by what happens here.
func summarize(tag string, fields map[string]any) string {
	switch tag {
	case TypePositionSlow, TypePositionFast:
		return fmt.Sprintf("%s at %dft, %dkts, squawk %s",
			str(fields, "callsign"), num(fields, "altitude"),
			num(fields, "ground_speed"), str(fields, "squawk"))

	case TypeFlightPlan:
		return fmt.Sprintf("flight plan filed by %s", str(fields, "callsign"))

	case TypeClientQuery:
		code := str(fields, "query_type")
		if template, ok := queryTemplates[code]; ok {
			return fmt.Sprintf(template, str(fields, "callsign"), str(fields, "data"))
		}
		return fmt.Sprintf("%s queried %s", str(fields, "callsign"), code)

	case TypeTextMessage:
		return fmt.Sprintf("message from %s to %s: %s",
			str(fields, "from"), str(fields, "to"), str(fields, "message"))

	case TypeControllerPosition:
		return fmt.Sprintf("%s on %s, range %dnm",
			str(fields, "callsign"), str(fields, "frequency"), num(fields, "visual_range"))

	case TypeAddPilot:
		return fmt.Sprintf("pilot %s connected (%s)",
			str(fields, "callsign"), str(fields, "real_name"))

	case TypeStationPosition:
		return fmt.Sprintf("station %s at %.4f,%.4f",
			str(fields, "callsign"), flt(fields, "latitude"), flt(fields, "longitude"))

	case TypeAddATC:
		return fmt.Sprintf("controller %s connected", str(fields, "callsign"))

	case TypeDeleteATC:
		return fmt.Sprintf("controller %s disconnected", str(fields, "callsign"))
	}

	return ""
}

func str(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return "?"
}

func num(fields map[string]any, key string) int {
	if v, ok := fields[key].(int); ok {
		return v
	}
	return 0
}

func flt(fields map[string]any, key string) float64 {
	if v, ok := fields[key].(float64); ok {
		return v
	}
	return 0
}
