//go:build catboost && cgo

package service

/*
#cgo LDFLAGS: -lcatboostmodel
#include <stdbool.h>
#include <stdlib.h>
#include <c_api.h>
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

type CatBoostAdapter struct {
	info      ModelInfo
	handle    unsafe.Pointer
	closeOnce sync.Once
}

// OpenCatBoost loads path with libcatboostmodel. Failures carry the library's
// GetErrorString diagnostic unchanged.
func OpenCatBoost(_ context.Context, path string) (Backend, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	// GetErrorString reports the last failure of the calling thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle := C.ModelCalcerCreate()
	if handle == nil {
		return nil, fmt.Errorf("%w: ModelCalcerCreate error message: %s", ErrLoad, lastCatBoostError())
	}
	if !C.LoadFullModelFromFile(handle, cPath) {
		message := lastCatBoostError()
		C.ModelCalcerDelete(handle)
		return nil, fmt.Errorf("%w: LoadFullModelFromFile error message: %s", ErrLoad, message)
	}

	return &CatBoostAdapter{
		info: ModelInfo{
			Path:          path,
			TreeCount:     int(C.GetTreeCount(handle)),
			FloatFeatures: int(C.GetFloatFeaturesCount(handle)),
			CatFeatures:   int(C.GetCatFeaturesCount(handle)),
			Dimensions:    int(C.GetDimensionsCount(handle)),
		},
		handle: handle,
	}, nil
}

func (a *CatBoostAdapter) Name() string {
	return "catboost-cgo"
}

func (a *CatBoostAdapter) Info() ModelInfo {
	return a.info
}

func (a *CatBoostAdapter) Calc(_ context.Context, batch *FeatureBatch) ([]float64, error) {
	if a.handle == nil {
		return nil, fmt.Errorf("%w: catboost handle released", ErrModelClosed)
	}
	docCount := batch.Len()
	out := make([]float64, docCount*a.info.Dimensions)
	if len(out) == 0 {
		return out, nil
	}

	arrays := newCFeatureArrays(batch)
	defer arrays.free()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	ok := C.CalcModelPrediction(
		a.handle,
		C.size_t(docCount),
		arrays.floats,
		C.size_t(a.info.FloatFeatures),
		arrays.cats,
		C.size_t(a.info.CatFeatures),
		(*C.double)(unsafe.Pointer(&out[0])),
		C.size_t(len(out)),
	)
	if !ok {
		return nil, fmt.Errorf("%w: CalcModelPrediction error message: %s", ErrPrediction, lastCatBoostError())
	}
	return out, nil
}

func (a *CatBoostAdapter) Close() error {
	a.closeOnce.Do(func() {
		if a.handle != nil {
			C.ModelCalcerDelete(a.handle)
			a.handle = nil
		}
	})
	return nil
}

func lastCatBoostError() string {
	message := C.GetErrorString()
	if message == nil {
		return "unknown catboost error"
	}
	return C.GoString(message)
}

// cFeatureArrays mirrors a FeatureBatch in C memory as const float** and
// const char***. cgo forbids passing Go memory that holds Go pointers.
type cFeatureArrays struct {
	floats **C.float
	cats   ***C.char
	allocs []unsafe.Pointer
}

func newCFeatureArrays(batch *FeatureBatch) *cFeatureArrays {
	docCount := batch.Len()
	ptrSize := unsafe.Sizeof(uintptr(0))
	floatSize := unsafe.Sizeof(C.float(0))

	arrays := &cFeatureArrays{}
	floatRowsPtr := arrays.alloc(uintptr(docCount) * ptrSize)
	catRowsPtr := arrays.alloc(uintptr(docCount) * ptrSize)
	floatRows := unsafe.Slice((**C.float)(floatRowsPtr), docCount)
	catRows := unsafe.Slice((***C.char)(catRowsPtr), docCount)

	for idx := 0; idx < docCount; idx++ {
		numeric := batch.Numeric[idx]
		numericPtr := arrays.alloc(uintptr(len(numeric)) * floatSize)
		numericRow := unsafe.Slice((*C.float)(numericPtr), len(numeric))
		for j, value := range numeric {
			numericRow[j] = C.float(value)
		}
		floatRows[idx] = (*C.float)(numericPtr)

		categorical := batch.Categorical[idx]
		categoricalPtr := arrays.alloc(uintptr(len(categorical)) * ptrSize)
		categoricalRow := unsafe.Slice((**C.char)(categoricalPtr), len(categorical))
		for j, value := range categorical {
			cValue := C.CString(value)
			arrays.allocs = append(arrays.allocs, unsafe.Pointer(cValue))
			categoricalRow[j] = cValue
		}
		catRows[idx] = (**C.char)(categoricalPtr)
	}

	arrays.floats = (**C.float)(floatRowsPtr)
	arrays.cats = (***C.char)(catRowsPtr)
	return arrays
}

func (a *cFeatureArrays) alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	ptr := C.malloc(C.size_t(size))
	if ptr == nil {
		panic("catboost: out of memory marshaling feature batch")
	}
	a.allocs = append(a.allocs, ptr)
	return ptr
}

func (a *cFeatureArrays) free() {
	for _, ptr := range a.allocs {
		C.free(ptr)
	}
	a.allocs = nil
}
