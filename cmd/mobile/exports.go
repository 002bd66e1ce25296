//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// Strings returned to the caller are C-allocated and must be released with
// FreeString.

//export CoreInit
func CoreInit(configPath *C.char) *C.char {
	return C.CString(core.open(C.GoString(configPath)))
}

//export CoreClose
func CoreClose() *C.char {
	return C.CString(core.close())
}

//export CoreExecute
func CoreExecute(op, request *C.char) *C.char {
	return C.CString(core.execute(C.GoString(op), C.GoString(request)))
}

//export CoreSyncNow
func CoreSyncNow() *C.char {
	return C.CString(core.syncNow())
}

//export CoreDownloadCourse
func CoreDownloadCourse(courseID *C.char) *C.char {
	return C.CString(core.startDownload(C.GoString(courseID)))
}

//export CoreDownloadStatus
func CoreDownloadStatus() *C.char {
	return C.CString(core.downloadStatus())
}

//export CoreStatus
func CoreStatus() *C.char {
	return C.CString(core.status())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
