package consts

const (
	// SSEDataPrefix starts every server-sent event data line.
	SSEDataPrefix = "data: "
	// SSEEventPrefix names the event of a server-sent event frame.
	SSEEventPrefix = "event: "

	// KeyPrefix namespaces every Redis key and channel owned by board-sync.
	KeyPrefix = "board"
	// PreferencesKeyPrefix prefixes persisted toast preferences per user.
	PreferencesKeyPrefix = "prefs:"
	// PreferencesRowKey is the row used for toast preferences in tables storage.
	PreferencesRowKey = "toast-preferences"

	// ConnectionToastKey collapses connection status toasts into one entry.
	ConnectionToastKey = "connection"
	// BusErrorToastKey collapses error events received from the bus.
	BusErrorToastKey = "bus-error"
)
