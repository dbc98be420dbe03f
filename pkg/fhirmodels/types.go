package fhirmodels

// Common FHIR value set constants used across the application.

// Resource type names exchanged with external EHRs.
const (
	ResourcePatient            = "Patient"
	ResourceObservation        = "Observation"
	ResourceCondition          = "Condition"
	ResourceMedicationRequest  = "MedicationRequest"
	ResourceAllergyIntolerance = "AllergyIntolerance"
	ResourceImmunization       = "Immunization"
	ResourceProcedure          = "Procedure"
	ResourceEncounter          = "Encounter"
	ResourceDiagnosticReport   = "DiagnosticReport"
	ResourceCarePlan           = "CarePlan"
	ResourceCoverage           = "Coverage"
	ResourceDocumentReference  = "DocumentReference"
	ResourceAppointment        = "Appointment"
	ResourceBundle             = "Bundle"
	ResourceOperationOutcome   = "OperationOutcome"
	ResourceCapability         = "CapabilityStatement"
)

// ClinicalResourceTypes is the fixed vocabulary the sync engine understands.
var ClinicalResourceTypes = []string{
	ResourcePatient,
	ResourceObservation,
	ResourceCondition,
	ResourceMedicationRequest,
	ResourceAllergyIntolerance,
	ResourceImmunization,
	ResourceProcedure,
	ResourceEncounter,
	ResourceDiagnosticReport,
	ResourceCarePlan,
	ResourceCoverage,
	ResourceDocumentReference,
	ResourceAppointment,
}

// IsClinicalResourceType reports whether rt belongs to ClinicalResourceTypes.
func IsClinicalResourceType(rt string) bool {
	for _, t := range ClinicalResourceTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// Bundle types.
const (
	BundleTypeCollection = "collection"
	BundleTypeSearchset  = "searchset"
	BundleTypeBatch      = "batch"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns    = "vital-signs"
	ObsCategoryLaboratory    = "laboratory"
	ObsCategorySocialHistory = "social-history"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive   = "active"
	ConditionInactive = "inactive"
	ConditionResolved = "resolved"
)

// MedicationRequest status codes.
const (
	MedicationRequestActive    = "active"
	MedicationRequestCompleted = "completed"
	MedicationRequestStopped   = "stopped"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Well-known code systems.
const (
	SystemLOINC         = "http://loinc.org"
	SystemSNOMED        = "http://snomed.info/sct"
	SystemRxNorm        = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemConditionCS   = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemObsCategoryCS = "http://terminology.hl7.org/CodeSystem/observation-category"
)
