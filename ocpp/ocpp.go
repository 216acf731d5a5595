package ocpp

const SubProtocol16 = "ocpp1.6"

// Request message sent from the charge point to the central system
type Request interface {
	// GetFeatureName Returns the unique name of the feature, to which this request belongs to.
	GetFeatureName() string
}

// Response message received from the central system
type Response interface {
	// GetFeatureName Returns the unique name of the feature, to which this request belongs to.
	GetFeatureName() string
}
