package ocpp16

// This file carries the Firmware Management, Reservation, Smart Charging,
// Local Auth List, Trigger Message and Security Extension message bodies
// that the core profile types in messages.go/types.go do not cover.

// GetDiagnosticsRequest requests an upload of the charge point's
// diagnostics log to the given location.
type GetDiagnosticsRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

// GetDiagnosticsResponse names the file that will be uploaded, if any.
type GetDiagnosticsResponse struct {
	FileName *string `json:"fileName,omitempty"`
}

// DiagnosticsStatusNotificationRequest reports diagnostics upload progress.
type DiagnosticsStatusNotificationRequest struct {
	Status DiagnosticsStatus `json:"status" validate:"required"`
}

// DiagnosticsStatusNotificationResponse has no fields.
type DiagnosticsStatusNotificationResponse struct{}

// FirmwareStatusNotificationRequest reports firmware update progress.
type FirmwareStatusNotificationRequest struct {
	Status FirmwareStatus `json:"status" validate:"required"`
}

// FirmwareStatusNotificationResponse has no fields.
type FirmwareStatusNotificationResponse struct{}

// UpdateFirmwareRequest instructs the charge point to download and install
// firmware from the given location at the given time.
type UpdateFirmwareRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetrieveDate  DateTime  `json:"retrieveDate" validate:"required"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
}

// UpdateFirmwareResponse has no fields.
type UpdateFirmwareResponse struct{}

// Firmware describes a signed firmware image for SignedUpdateFirmware.
type Firmware struct {
	Location           string    `json:"location" validate:"required"`
	RetrieveDateTime   DateTime  `json:"retrieveDateTime" validate:"required"`
	InstallDateTime    *DateTime `json:"installDateTime,omitempty"`
	SigningCertificate string    `json:"signingCertificate" validate:"required"`
	Signature          string    `json:"signature" validate:"required"`
}

// SignedUpdateFirmwareRequest is the security-extension variant of
// UpdateFirmware carrying a signed firmware descriptor and a request id
// used to correlate subsequent SignedFirmwareStatusNotification reports.
type SignedUpdateFirmwareRequest struct {
	Retries       *int     `json:"retries,omitempty"`
	RetryInterval *int     `json:"retryInterval,omitempty"`
	RequestId     int      `json:"requestId" validate:"required"`
	Firmware      Firmware `json:"firmware" validate:"required"`
}

// UpdateFirmwareStatus is returned in response to SignedUpdateFirmware.
type UpdateFirmwareStatus string

const (
	UpdateFirmwareStatusAccepted        UpdateFirmwareStatus = "Accepted"
	UpdateFirmwareStatusRejected        UpdateFirmwareStatus = "Rejected"
	UpdateFirmwareStatusAcceptedCanceled UpdateFirmwareStatus = "AcceptedCanceled"
	UpdateFirmwareStatusInvalidCertificate UpdateFirmwareStatus = "InvalidCertificate"
	UpdateFirmwareStatusRevokedCertificate UpdateFirmwareStatus = "RevokedCertificate"
)

// SignedUpdateFirmwareResponse answers a SignedUpdateFirmwareRequest.
type SignedUpdateFirmwareResponse struct {
	Status UpdateFirmwareStatus `json:"status" validate:"required"`
}

// SignedFirmwareStatusNotificationRequest reports signed firmware update
// progress, including signature/certificate verification stages.
type SignedFirmwareStatusNotificationRequest struct {
	Status    FirmwareStatusEnumType `json:"status" validate:"required"`
	RequestId int                    `json:"requestId" validate:"required"`
}

// SignedFirmwareStatusNotificationResponse has no fields.
type SignedFirmwareStatusNotificationResponse struct{}

// ReserveNowRequest reserves a connector for an idTag until ExpiryDate.
type ReserveNowRequest struct {
	ConnectorId   int       `json:"connectorId" validate:"required,min=0"`
	ExpiryDate    DateTime  `json:"expiryDate" validate:"required"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	ParentIdTag   *string   `json:"parentIdTag,omitempty" validate:"omitempty,max=20"`
	ReservationId int       `json:"reservationId" validate:"required"`
}

// ReserveNowResponse answers a ReserveNowRequest.
type ReserveNowResponse struct {
	Status ReservationStatus `json:"status" validate:"required"`
}

// CancelReservationRequest cancels a previously made reservation.
type CancelReservationRequest struct {
	ReservationId int `json:"reservationId" validate:"required"`
}

// CancelReservationResponse answers a CancelReservationRequest.
type CancelReservationResponse struct {
	Status CancelReservationStatus `json:"status" validate:"required"`
}

// ChargingRateUnit, ChargingSchedulePeriod, ChargingSchedule,
// ChargingProfilePurpose, ChargingProfileKind, RecurrencyKind and
// ChargingProfile are defined in messages.go, already referenced by
// RemoteStartTransactionRequest's optional profile field.

// ChargingProfileStatus is returned in response to SetChargingProfile.
type ChargingProfileStatus string

const (
	ChargingProfileStatusAccepted     ChargingProfileStatus = "Accepted"
	ChargingProfileStatusRejected     ChargingProfileStatus = "Rejected"
	ChargingProfileStatusNotSupported ChargingProfileStatus = "NotSupported"
)

// SetChargingProfileRequest installs or replaces a ChargingProfile.
type SetChargingProfileRequest struct {
	ConnectorId        int             `json:"connectorId" validate:"min=0"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

// SetChargingProfileResponse answers a SetChargingProfileRequest.
type SetChargingProfileResponse struct {
	Status ChargingProfileStatus `json:"status" validate:"required"`
}

// ClearChargingProfileRequest removes one or more installed profiles,
// filtered by any combination of the optional fields.
type ClearChargingProfileRequest struct {
	Id                     *int                    `json:"id,omitempty"`
	ConnectorId            *int                    `json:"connectorId,omitempty"`
	ChargingProfilePurpose *ChargingProfilePurpose `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int                    `json:"stackLevel,omitempty"`
}

// ClearChargingProfileStatus is returned in response to ClearChargingProfile.
type ClearChargingProfileStatus string

const (
	ClearChargingProfileStatusAccepted ClearChargingProfileStatus = "Accepted"
	ClearChargingProfileStatusUnknown  ClearChargingProfileStatus = "Unknown"
)

// ClearChargingProfileResponse answers a ClearChargingProfileRequest.
type ClearChargingProfileResponse struct {
	Status ClearChargingProfileStatus `json:"status" validate:"required"`
}

// GetCompositeScheduleRequest asks for the combined effective schedule on a
// connector over the next Duration seconds.
type GetCompositeScheduleRequest struct {
	ConnectorId      int               `json:"connectorId" validate:"min=0"`
	Duration         int               `json:"duration" validate:"required"`
	ChargingRateUnit *ChargingRateUnit `json:"chargingRateUnit,omitempty"`
}

// GetCompositeScheduleStatus is returned in response to GetCompositeSchedule.
type GetCompositeScheduleStatus string

const (
	GetCompositeScheduleStatusAccepted GetCompositeScheduleStatus = "Accepted"
	GetCompositeScheduleStatusRejected GetCompositeScheduleStatus = "Rejected"
)

// GetCompositeScheduleResponse answers a GetCompositeScheduleRequest.
type GetCompositeScheduleResponse struct {
	Status           GetCompositeScheduleStatus `json:"status" validate:"required"`
	ConnectorId      *int                       `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime                  `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule          `json:"chargingSchedule,omitempty"`
}

// AuthorizationData is one entry of a SendLocalList update.
type AuthorizationData struct {
	IdTag     string     `json:"idTag" validate:"required,max=20"`
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// SendLocalListRequest pushes a full or differential local authorization
// list update.
type SendLocalListRequest struct {
	ListVersion            int                 `json:"listVersion" validate:"required"`
	LocalAuthorizationList []AuthorizationData `json:"localAuthorizationList,omitempty"`
	UpdateType             UpdateType          `json:"updateType" validate:"required"`
}

// SendLocalListResponse answers a SendLocalListRequest.
type SendLocalListResponse struct {
	Status UpdateStatus `json:"status" validate:"required"`
}

// GetLocalListVersionRequest has no fields.
type GetLocalListVersionRequest struct{}

// GetLocalListVersionResponse reports the currently installed list version,
// or -1 if the charge point does not support a local authorization list.
type GetLocalListVersionResponse struct {
	ListVersion int `json:"listVersion" validate:"required"`
}

// TriggerMessageRequest asks the charge point to (re)send a given message,
// optionally scoped to one connector.
type TriggerMessageRequest struct {
	RequestedMessage MessageTrigger `json:"requestedMessage" validate:"required"`
	ConnectorId      *int           `json:"connectorId,omitempty"`
}

// TriggerMessageResponse answers a TriggerMessageRequest.
type TriggerMessageResponse struct {
	Status TriggerMessageStatus `json:"status" validate:"required"`
}

// ExtendedTriggerMessageRequest is the security-extension TriggerMessage
// variant, carrying the wider MessageTriggerEnumType trigger set.
type ExtendedTriggerMessageRequest struct {
	RequestedMessage MessageTriggerEnumType `json:"requestedMessage" validate:"required"`
	ConnectorId      *int                   `json:"connectorId,omitempty"`
}

// ExtendedTriggerMessageResponse answers an ExtendedTriggerMessageRequest.
type ExtendedTriggerMessageResponse struct {
	Status TriggerMessageStatus `json:"status" validate:"required"`
}

// SecurityEvent is the well-known security event type name reported by
// SecurityEventNotification; vendor-specific names are also permitted.
type SecurityEvent string

const (
	SecurityEventFirmwareUpdated               SecurityEvent = "FirmwareUpdated"
	SecurityEventFailedToAuthenticateAtCSMS    SecurityEvent = "FailedToAuthenticateAtCentralSystem"
	SecurityEventCSMSFailedToAuthenticate      SecurityEvent = "CentralSystemFailedToAuthenticate"
	SecurityEventSettingSystemTime             SecurityEvent = "SettingSystemTime"
	SecurityEventStartupOfTheDevice            SecurityEvent = "StartupOfTheDevice"
	SecurityEventResetOrReboot                 SecurityEvent = "ResetOrReboot"
	SecurityEventSecurityLogWasCleared         SecurityEvent = "SecurityLogWasCleared"
	SecurityEventReconfigurationOfSecurityParameters SecurityEvent = "ReconfigurationOfSecurityParameters"
	SecurityEventMemoryExhaustion               SecurityEvent = "MemoryExhaustion"
	SecurityEventInvalidMessages                SecurityEvent = "InvalidMessages"
	SecurityEventAttemptedReplayAttacks         SecurityEvent = "AttemptedReplayAttacks"
	SecurityEventTamperDetectionActivated       SecurityEvent = "TamperDetectionActivated"
	SecurityEventInvalidFirmwareSignature       SecurityEvent = "InvalidFirmwareSignature"
	SecurityEventInvalidFirmwareSigningCertificate SecurityEvent = "InvalidFirmwareSigningCertificate"
	SecurityEventInvalidCSMSCertificate         SecurityEvent = "InvalidCentralSystemCertificate"
	SecurityEventInvalidChargePointCertificate  SecurityEvent = "InvalidChargePointCertificate"
	SecurityEventInvalidTLSVersion              SecurityEvent = "InvalidTLSVersion"
	SecurityEventInvalidTLSCipherSuite          SecurityEvent = "InvalidTLSCipherSuite"
)

// SecurityEventNotificationRequest reports a security-relevant event to the
// Central System; it is delivered through the persistent request FIFO so it
// is never silently dropped.
type SecurityEventNotificationRequest struct {
	Type      SecurityEvent `json:"type" validate:"required,max=50"`
	Timestamp DateTime      `json:"timestamp" validate:"required"`
	TechInfo  *string       `json:"techInfo,omitempty" validate:"omitempty,max=255"`
}

// SecurityEventNotificationResponse has no fields.
type SecurityEventNotificationResponse struct{}

// CertificateUse distinguishes the trust root a certificate chain is
// installed under.
type CertificateUse string

const (
	CertificateUseCentralSystemRootCertificate CertificateUse = "CentralSystemRootCertificate"
	CertificateUseManufacturerRootCertificate  CertificateUse = "ManufacturerRootCertificate"
)

// HashAlgorithm names the digest algorithm used in a certificate hash.
type HashAlgorithm string

const (
	HashAlgorithmSHA256 HashAlgorithm = "SHA256"
	HashAlgorithmSHA384 HashAlgorithm = "SHA384"
	HashAlgorithmSHA512 HashAlgorithm = "SHA512"
)

// CertificateHashDataType identifies an installed certificate by its issuer
// and serial number hashes, without transmitting the certificate itself.
type CertificateHashDataType struct {
	HashAlgorithm  HashAlgorithm `json:"hashAlgorithm" validate:"required"`
	IssuerNameHash string        `json:"issuerNameHash" validate:"required,max=128"`
	IssuerKeyHash  string        `json:"issuerKeyHash" validate:"required,max=128"`
	SerialNumber   string        `json:"serialNumber" validate:"required,max=40"`
}

// SignCertificateRequest asks the Central System to sign a charge-point
// generated certificate signing request.
type SignCertificateRequest struct {
	Csr string `json:"csr" validate:"required"`
}

// SignCertificateResponse acknowledges receipt of a SignCertificateRequest;
// the signed certificate itself arrives later via CertificateSigned.
type SignCertificateResponse struct {
	Status CertificateStatus `json:"status" validate:"required"`
}

// CertificateSignedRequest delivers the signed certificate chain requested
// by a prior SignCertificate.
type CertificateSignedRequest struct {
	CertificateChain string `json:"certificateChain" validate:"required"`
}

// CertificateSignedResponse answers a CertificateSignedRequest.
type CertificateSignedResponse struct {
	Status CertificateStatus `json:"status" validate:"required"`
}

// InstallCertificateRequest installs a new root/CA certificate.
type InstallCertificateRequest struct {
	CertificateType CertificateUse `json:"certificateType" validate:"required"`
	Certificate     string         `json:"certificate" validate:"required"`
}

// InstallCertificateResponse answers an InstallCertificateRequest.
type InstallCertificateResponse struct {
	Status CertificateStatus `json:"status" validate:"required"`
}

// DeleteCertificateRequest removes a previously installed certificate.
type DeleteCertificateRequest struct {
	CertificateHashData CertificateHashDataType `json:"certificateHashData" validate:"required"`
}

// DeleteCertificateStatus is returned in response to DeleteCertificate.
type DeleteCertificateStatus string

const (
	DeleteCertificateStatusAccepted      DeleteCertificateStatus = "Accepted"
	DeleteCertificateStatusFailed        DeleteCertificateStatus = "Failed"
	DeleteCertificateStatusNotFound      DeleteCertificateStatus = "NotFound"
)

// DeleteCertificateResponse answers a DeleteCertificateRequest.
type DeleteCertificateResponse struct {
	Status DeleteCertificateStatus `json:"status" validate:"required"`
}

// GetInstalledCertificateIdsRequest lists installed certificates, optionally
// filtered by use.
type GetInstalledCertificateIdsRequest struct {
	CertificateType *CertificateUse `json:"certificateType,omitempty"`
}

// GetInstalledCertificateStatus is returned in response to
// GetInstalledCertificateIds.
type GetInstalledCertificateStatus string

const (
	GetInstalledCertificateStatusAccepted     GetInstalledCertificateStatus = "Accepted"
	GetInstalledCertificateStatusNotFound     GetInstalledCertificateStatus = "NotFound"
)

// GetInstalledCertificateIdsResponse answers a
// GetInstalledCertificateIdsRequest.
type GetInstalledCertificateIdsResponse struct {
	Status              GetInstalledCertificateStatus `json:"status" validate:"required"`
	CertificateHashData []CertificateHashDataType      `json:"certificateHashData,omitempty"`
}

// LogType distinguishes the diagnostics log from the security log.
type LogType string

const (
	LogTypeDiagnosticsLog  LogType = "DiagnosticsLog"
	LogTypeSecurityLog     LogType = "SecurityLog"
)

// LogParameters describes where to upload a requested log and which window
// of entries to include.
type LogParameters struct {
	RemoteLocation  string    `json:"remoteLocation" validate:"required"`
	OldestTimestamp *DateTime `json:"oldestTimestamp,omitempty"`
	LatestTimestamp *DateTime `json:"latestTimestamp,omitempty"`
}

// GetLogRequest asks the charge point to upload a diagnostics or security
// log file.
type GetLogRequest struct {
	LogType       LogType       `json:"logType" validate:"required"`
	RequestId     int           `json:"requestId" validate:"required"`
	Log           LogParameters `json:"log" validate:"required"`
	Retries       *int          `json:"retries,omitempty"`
	RetryInterval *int          `json:"retryInterval,omitempty"`
}

// LogStatus is returned in response to GetLog.
type LogStatus string

const (
	LogStatusAccepted     LogStatus = "Accepted"
	LogStatusRejected     LogStatus = "Rejected"
	LogStatusAcceptedCanceled LogStatus = "AcceptedCanceled"
)

// GetLogResponse answers a GetLogRequest.
type GetLogResponse struct {
	Status   LogStatus `json:"status" validate:"required"`
	Filename *string   `json:"filename,omitempty"`
}

// UploadLogStatus reports diagnostics/security log upload progress.
type UploadLogStatus string

const (
	UploadLogStatusBadMessage         UploadLogStatus = "BadMessage"
	UploadLogStatusIdle               UploadLogStatus = "Idle"
	UploadLogStatusNotSupportedOperation UploadLogStatus = "NotSupportedOperation"
	UploadLogStatusPermissionDenied   UploadLogStatus = "PermissionDenied"
	UploadLogStatusUploaded           UploadLogStatus = "Uploaded"
	UploadLogStatusUploadFailure      UploadLogStatus = "UploadFailure"
	UploadLogStatusUploading          UploadLogStatus = "Uploading"
)

// LogStatusNotificationRequest reports log upload progress, correlated to a
// GetLogRequest by RequestId.
type LogStatusNotificationRequest struct {
	Status    UploadLogStatus `json:"status" validate:"required"`
	RequestId int             `json:"requestId" validate:"required"`
}

// LogStatusNotificationResponse has no fields.
type LogStatusNotificationResponse struct{}
