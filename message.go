package main

const (
	CodeMissingField    = "missing_field"
	CodeInvalidUpload   = "invalid_upload"
	CodeInvalidImage    = "invalid_image"
	CodeStorageError    = "storage_error"
	CodeModelError      = "model_error"
	CodeProcessingError = "processing_error"
	CodeSessionError    = "session_error"
)

const (
	MsgMissingPhoto = "The request must carry the image in the multipart field \"photo\"."

	MsgUnreadableUpload = "The uploaded file could not be read."

	MsgNotAnImage = "The uploaded file is not a supported image."

	MsgStoreFailed = "The upload could not be stored for analysis."

	MsgModelUnavailable = "The detection model is not available. Check the configured weights file."

	MsgSessionBusy = "All model sessions are busy. Please try again."

	MsgAnalysisFailed = "The image could not be analyzed."
)
