package mock

import (
	"bytes"
	"testing"

	"go.uber.org/mock/gomock"
)

//go:generate mockgen -source=../image.go -destination=interfaces.go -package=mock

// NewTestMockFileHandler creates a new mock handler with a gomock controller.
// The controller is automatically cleaned up when the test finishes.
func NewTestMockFileHandler(t *testing.T) *MockFileHandler {
	t.Helper()

	mockController := gomock.NewController(t)
	t.Cleanup(mockController.Finish)

	return NewMockFileHandler(mockController)
}

// ServeImage makes every ReadAt on m read from img, any number of times.
// Expectations registered before it take precedence.
func ServeImage(m *MockFileHandler, img []byte) {
	r := bytes.NewReader(img)
	m.EXPECT().ReadAt(gomock.Any(), gomock.Any()).DoAndReturn(r.ReadAt).AnyTimes()
}
