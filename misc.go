package canopen

// IsIDRestricted reports whether canId falls in a CAN-ID range reserved by
// CiA 301 for predefined connection-set services (NMT, SDO, heartbeat, the
// 0x101-0x180 and 0x6E0-0x6FF ranges) and therefore can't be assigned to a
// PDO or other configurable COB-ID. The SYNC, EMCY and TIME identifiers
// (0x080-0x100) are not treated as restricted.
func IsIDRestricted(canId uint16) bool {
	return canId <= 0x7f ||
		(canId >= 0x101 && canId <= 0x180) ||
		(canId >= 0x581 && canId <= 0x5FF) ||
		(canId >= 0x601 && canId <= 0x67F) ||
		(canId >= 0x6E0 && canId <= 0x6FF) ||
		canId >= 0x701
}
