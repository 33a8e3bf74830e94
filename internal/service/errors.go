package service

import "errors"

var (
	ErrLoad                 = errors.New("model load failed")
	ErrPrediction           = errors.New("model prediction failed")
	ErrShapeMismatch        = errors.New("feature vector shape mismatch")
	ErrUnsupportedDimension = errors.New("unsupported prediction dimension")
	ErrModelClosed          = errors.New("model is closed")
	ErrBackendUnavailable   = errors.New("model backend unavailable")
	ErrBackendProtocol      = errors.New("model backend protocol failed")
)
