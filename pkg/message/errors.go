package message

// Error severities as used in ebMS3 error signals
const (
	SeverityWarning = "warning"
	SeverityFailure = "failure"
)

// EbmsError is a single error in an ebMS3 error signal
type EbmsError struct {
	ErrorCode           string `json:"errorCode" bson:"error_code"`
	Severity            string `json:"severity" bson:"severity"`
	ShortDescription    string `json:"shortDescription,omitempty" bson:"short_description,omitempty"`
	Category            string `json:"category,omitempty" bson:"category,omitempty"`
	Origin              string `json:"origin,omitempty" bson:"origin,omitempty"`
	RefToMessageInError string `json:"refToMessageInError,omitempty" bson:"ref_to_message_in_error,omitempty"`
	Description         string `json:"description,omitempty" bson:"description,omitempty"`
	ErrorDetail         string `json:"errorDetail,omitempty" bson:"error_detail,omitempty"`
}

// ErrorCode describes one of the predefined ebMS3 errors
type ErrorCode struct {
	Code             string
	Severity         string
	ShortDescription string
	Category         string
	Origin           string
}

// Predefined ebMS3 and AS4 error codes
var (
	ErrValueNotRecognized = ErrorCode{
		Code:             "EBMS:0001",
		Severity:         SeverityFailure,
		ShortDescription: "ValueNotRecognized",
		Category:         "Content",
		Origin:           "ebMS",
	}

	ErrValueInconsistent = ErrorCode{
		Code:             "EBMS:0003",
		Severity:         SeverityFailure,
		ShortDescription: "ValueInconsistent",
		Category:         "Content",
		Origin:           "ebMS",
	}

	ErrOther = ErrorCode{
		Code:             "EBMS:0004",
		Severity:         SeverityFailure,
		ShortDescription: "Other",
		Category:         "Content",
		Origin:           "ebMS",
	}

	ErrEmptyMessagePartition = ErrorCode{
		Code:             "EBMS:0006",
		Severity:         SeverityWarning,
		ShortDescription: "EmptyMessagePartitionChannel",
		Category:         "Communication",
		Origin:           "ebMS",
	}

	ErrDeliveryFailure = ErrorCode{
		Code:             "EBMS:0202",
		Severity:         SeverityFailure,
		ShortDescription: "DeliveryFailure",
		Category:         "Communication",
		Origin:           "reliability",
	}

	ErrMissingReceipt = ErrorCode{
		Code:             "EBMS:0301",
		Severity:         SeverityFailure,
		ShortDescription: "MissingReceipt",
		Category:         "Communication",
		Origin:           "ebMS",
	}

	ErrDecompressionFailure = ErrorCode{
		Code:             "EBMS:0303",
		Severity:         SeverityFailure,
		ShortDescription: "DecompressionFailure",
		Category:         "Communication",
		Origin:           "ebMS",
	}
)

// New creates an error of this code that refers to the given message
func (c ErrorCode) New(refToMessageInError, description string) EbmsError {
	return EbmsError{
		ErrorCode:           c.Code,
		Severity:            c.Severity,
		ShortDescription:    c.ShortDescription,
		Category:            c.Category,
		Origin:              c.Origin,
		RefToMessageInError: refToMessageInError,
		Description:         description,
	}
}

// Is reports whether the error has this code
func (c ErrorCode) Is(e EbmsError) bool {
	return e.ErrorCode == c.Code
}

// HasFailure reports whether any of the errors has failure severity
func HasFailure(errs []EbmsError) bool {
	for _, e := range errs {
		if e.Severity == SeverityFailure {
			return true
		}
	}
	return false
}
