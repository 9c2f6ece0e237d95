package store

// Document layout for one intersection. The layout is shared with the
// controller firmware; do not rename segments without coordinating a
// firmware release.

func Root(intersectionID string) string {
	return "traffic/intersections/" + intersectionID
}

func Desired(intersectionID string) string {
	return Root(intersectionID) + "/desired"
}

func DesiredVersion(intersectionID string) string {
	return Desired(intersectionID) + "/meta/version"
}

func Reported(intersectionID string) string {
	return Root(intersectionID) + "/reported"
}

func ReportedAck(intersectionID string) string {
	return Reported(intersectionID) + "/ack"
}

func ConnectionESP(intersectionID string) string {
	return Root(intersectionID) + "/connection/esp"
}

func ConnectionApp(intersectionID string) string {
	return Root(intersectionID) + "/connection/app"
}

func Logs(intersectionID string) string {
	return Root(intersectionID) + "/logs"
}
