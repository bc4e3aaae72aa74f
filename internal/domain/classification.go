package domain

// SIS result codes, as returned in ecrnResultList/scrnResultList entries.
// These match the original implementation's resultCode values.
const (
	ResultCodeSuccess         = "0"
	ResultCodeWindowClosed    = "VAL02"
	ResultCodeAlreadyEnrolled = "VAL03"
	ResultCodeFull            = "VAL06"
	ResultCodeConflict        = "VAL09"
	ResultCodeDebounce        = "VAL16"
	ResultCodeUpgradeConflict = "VAL22"
)

// humanMessages carries the original implementation's human-readable text
// for each known result code (SUPPLEMENTED FEATURES #4), satisfying the
// round-trip law that every CRNStatus has a default HumanMessage.
var humanMessages = map[string]string{
	ResultCodeWindowClosed:    "Registration period has not opened yet",
	ResultCodeAlreadyEnrolled: "Already enrolled in this course",
	ResultCodeFull:            "Course is full",
	ResultCodeConflict:        "Schedule conflict",
	ResultCodeDebounce:        "Debounced (server ignored a repeat within 3s)",
	ResultCodeUpgradeConflict: "Conflict with a course being upgraded",
}

// ClassifyECRN maps a SIS result code for an ECRN (enroll) entry to a
// CRNResult, per the table in spec.md §4.5. statusCode is the entry's raw
// numeric status (0 means success); code is the resultCode string.
func ClassifyECRN(crn string, statusCode int, code string) CRNResult {
	if statusCode == 0 || code == ResultCodeSuccess {
		return CRNResult{CRN: crn, Status: CRNSuccess, Code: code, HumanMessage: "Registration successful"}
	}

	switch code {
	case ResultCodeWindowClosed:
		return CRNResult{CRN: crn, Status: CRNPending, Code: code, HumanMessage: humanMessages[code]}
	case ResultCodeAlreadyEnrolled:
		return CRNResult{CRN: crn, Status: CRNAlreadyEnrolled, Code: code, HumanMessage: humanMessages[code]}
	case ResultCodeFull:
		return CRNResult{CRN: crn, Status: CRNFull, Code: code, HumanMessage: humanMessages[code]}
	case ResultCodeConflict:
		return CRNResult{CRN: crn, Status: CRNConflict, Code: code, HumanMessage: humanMessages[code]}
	case ResultCodeDebounce:
		return CRNResult{CRN: crn, Status: CRNDebounce, Code: code, HumanMessage: humanMessages[code]}
	case ResultCodeUpgradeConflict:
		return CRNResult{CRN: crn, Status: CRNUpgradeConflict, Code: code, HumanMessage: humanMessages[code]}
	default:
		msg, ok := humanMessages[code]
		if !ok {
			msg = "Unrecognized result code " + code
		}
		return CRNResult{CRN: crn, Status: CRNError, Code: code, HumanMessage: msg}
	}
}

// ClassifySCRN maps a SIS result code for an SCRN (drop) entry. Drops
// collapse to dropped on success and error otherwise (spec.md §4.5).
func ClassifySCRN(crn string, statusCode int, code string) CRNResult {
	if statusCode == 0 || code == ResultCodeSuccess {
		return CRNResult{CRN: crn, Status: CRNDropped, Code: code, HumanMessage: "Drop successful"}
	}
	msg, ok := humanMessages[code]
	if !ok {
		msg = "Unrecognized result code " + code
	}
	return CRNResult{CRN: crn, Status: CRNError, Code: code, HumanMessage: msg}
}

// BurstEligible reports whether a CRNStatus is one the attempt loop may
// retry at burst-mode pacing (spec.md §4.4): only the WindowClosed/pending
// transient qualifies.
func BurstEligible(s CRNStatus) bool {
	return s == CRNPending
}
