//go:build linux || darwin

package opencl

// OpenCL 1.2 bindings loaded at runtime with purego. Only the calls the
// backend needs are registered; no cgo and no headers are required.

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

type clStatus int32

const (
	clSuccess                    clStatus = 0
	clDeviceNotFound             clStatus = -1
	clMemObjectAllocationFailure clStatus = -4
	clOutOfResources             clStatus = -5
	clOutOfHostMemory            clStatus = -6
	clBuildProgramFailure        clStatus = -11
	clInvalidValue               clStatus = -30
	clInvalidKernelName          clStatus = -46
	clInvalidArgValue            clStatus = -50
	clInvalidArgSize             clStatus = -51
	clInvalidKernelArgs          clStatus = -52
	clInvalidWorkGroupSize       clStatus = -54
	clInvalidBufferSize          clStatus = -61
	clInvalidGlobalWorkSize      clStatus = -63
	clPlatformNotFoundKHR        clStatus = -1001
)

var statusNames = map[clStatus]string{
	clDeviceNotFound:             "DEVICE_NOT_FOUND",
	clMemObjectAllocationFailure: "MEM_OBJECT_ALLOCATION_FAILURE",
	clOutOfResources:             "OUT_OF_RESOURCES",
	clOutOfHostMemory:            "OUT_OF_HOST_MEMORY",
	clBuildProgramFailure:        "BUILD_PROGRAM_FAILURE",
	clInvalidValue:               "INVALID_VALUE",
	clInvalidKernelName:          "INVALID_KERNEL_NAME",
	clInvalidArgValue:            "INVALID_ARG_VALUE",
	clInvalidArgSize:             "INVALID_ARG_SIZE",
	clInvalidKernelArgs:          "INVALID_KERNEL_ARGS",
	clInvalidWorkGroupSize:       "INVALID_WORK_GROUP_SIZE",
	clInvalidBufferSize:          "INVALID_BUFFER_SIZE",
	clInvalidGlobalWorkSize:      "INVALID_GLOBAL_WORK_SIZE",
	clPlatformNotFoundKHR:        "PLATFORM_NOT_FOUND_KHR",
}

func (s clStatus) Error() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("CL_%s (%d)", name, int32(s))
	}
	return fmt.Sprintf("CL_ERROR(%d)", int32(s))
}

func (s clStatus) err() error {
	if s == clSuccess {
		return nil
	}
	return s
}

const (
	clDeviceTypeDefault     uint64 = 1 << 0
	clDeviceTypeCPU         uint64 = 1 << 1
	clDeviceTypeGPU         uint64 = 1 << 2
	clDeviceTypeAccelerator uint64 = 1 << 3
	clDeviceTypeAll         uint64 = 0xFFFFFFFF

	clPlatformVersion uint32 = 0x0901
	clPlatformName    uint32 = 0x0902
	clPlatformVendor  uint32 = 0x0903

	clDeviceType            uint32 = 0x1000
	clDeviceMaxComputeUnits uint32 = 0x1002
	clDeviceName            uint32 = 0x102B
	clDeviceVendor          uint32 = 0x102C
	clDeviceVersion         uint32 = 0x102F
	clDeviceExtensions      uint32 = 0x1030

	clProgramBuildLog uint32 = 0x1183

	clMemReadWrite uint64 = 1 << 0
	clTrue         uint32 = 1
)

var (
	libOnce sync.Once
	libErr  error

	clGetPlatformIDs          func(numEntries uint32, platforms *uintptr, numPlatforms *uint32) clStatus
	clGetPlatformInfo         func(platform uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) clStatus
	clGetDeviceIDs            func(platform uintptr, deviceType uint64, numEntries uint32, devices *uintptr, numDevices *uint32) clStatus
	clGetDeviceInfo           func(device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) clStatus
	clCreateContext           func(props unsafe.Pointer, numDevices uint32, devices *uintptr, notify uintptr, userData uintptr, errcode *clStatus) uintptr
	clCreateCommandQueue      func(context uintptr, device uintptr, props uint64, errcode *clStatus) uintptr
	clCreateProgramWithSource func(context uintptr, count uint32, sources unsafe.Pointer, lengths *uintptr, errcode *clStatus) uintptr
	clBuildProgram            func(program uintptr, numDevices uint32, devices *uintptr, options *byte, notify uintptr, userData uintptr) clStatus
	clGetProgramBuildInfo     func(program uintptr, device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) clStatus
	clCreateKernel            func(program uintptr, name *byte, errcode *clStatus) uintptr
	clSetKernelArg            func(kernel uintptr, index uint32, size uintptr, value unsafe.Pointer) clStatus
	clCreateBuffer            func(context uintptr, flags uint64, size uintptr, hostPtr unsafe.Pointer, errcode *clStatus) uintptr
	clEnqueueWriteBuffer      func(queue uintptr, mem uintptr, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, events unsafe.Pointer, event unsafe.Pointer) clStatus
	clEnqueueReadBuffer       func(queue uintptr, mem uintptr, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, events unsafe.Pointer, event unsafe.Pointer) clStatus
	clEnqueueNDRangeKernel    func(queue uintptr, kernel uintptr, workDim uint32, globalOffset *uintptr, globalSize *uintptr, localSize *uintptr, numEvents uint32, events unsafe.Pointer, event unsafe.Pointer) clStatus
	clFinish                  func(queue uintptr) clStatus
	clReleaseMemObject        func(mem uintptr) clStatus
	clReleaseKernel           func(kernel uintptr) clStatus
	clReleaseProgram          func(program uintptr) clStatus
	clReleaseCommandQueue     func(queue uintptr) clStatus
	clReleaseContext          func(context uintptr) clStatus
)

func libraryNames() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/System/Library/Frameworks/OpenCL.framework/OpenCL"}
	}
	return []string{"libOpenCL.so.1", "libOpenCL.so"}
}

// loadLibrary opens the OpenCL ICD loader once per process
func loadLibrary() error {
	libOnce.Do(func() {
		var lib uintptr
		var tried []string
		for _, name := range libraryNames() {
			h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				lib = h
				break
			}
			tried = append(tried, err.Error())
		}
		if lib == 0 {
			libErr = fmt.Errorf("cannot load OpenCL: %s", strings.Join(tried, "; "))
			return
		}

		purego.RegisterLibFunc(&clGetPlatformIDs, lib, "clGetPlatformIDs")
		purego.RegisterLibFunc(&clGetPlatformInfo, lib, "clGetPlatformInfo")
		purego.RegisterLibFunc(&clGetDeviceIDs, lib, "clGetDeviceIDs")
		purego.RegisterLibFunc(&clGetDeviceInfo, lib, "clGetDeviceInfo")
		purego.RegisterLibFunc(&clCreateContext, lib, "clCreateContext")
		purego.RegisterLibFunc(&clCreateCommandQueue, lib, "clCreateCommandQueue")
		purego.RegisterLibFunc(&clCreateProgramWithSource, lib, "clCreateProgramWithSource")
		purego.RegisterLibFunc(&clBuildProgram, lib, "clBuildProgram")
		purego.RegisterLibFunc(&clGetProgramBuildInfo, lib, "clGetProgramBuildInfo")
		purego.RegisterLibFunc(&clCreateKernel, lib, "clCreateKernel")
		purego.RegisterLibFunc(&clSetKernelArg, lib, "clSetKernelArg")
		purego.RegisterLibFunc(&clCreateBuffer, lib, "clCreateBuffer")
		purego.RegisterLibFunc(&clEnqueueWriteBuffer, lib, "clEnqueueWriteBuffer")
		purego.RegisterLibFunc(&clEnqueueReadBuffer, lib, "clEnqueueReadBuffer")
		purego.RegisterLibFunc(&clEnqueueNDRangeKernel, lib, "clEnqueueNDRangeKernel")
		purego.RegisterLibFunc(&clFinish, lib, "clFinish")
		purego.RegisterLibFunc(&clReleaseMemObject, lib, "clReleaseMemObject")
		purego.RegisterLibFunc(&clReleaseKernel, lib, "clReleaseKernel")
		purego.RegisterLibFunc(&clReleaseProgram, lib, "clReleaseProgram")
		purego.RegisterLibFunc(&clReleaseCommandQueue, lib, "clReleaseCommandQueue")
		purego.RegisterLibFunc(&clReleaseContext, lib, "clReleaseContext")
	})
	return libErr
}

// cString returns a NUL terminated copy of s
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func goString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

type infoFunc func(param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) clStatus

func infoString(get infoFunc, param uint32) string {
	var n uintptr
	if get(param, 0, nil, &n) != clSuccess || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if get(param, n, unsafe.Pointer(&buf[0]), nil) != clSuccess {
		return ""
	}
	return goString(buf)
}

func platformString(platform uintptr, param uint32) string {
	return infoString(func(p uint32, size uintptr, v unsafe.Pointer, r *uintptr) clStatus {
		return clGetPlatformInfo(platform, p, size, v, r)
	}, param)
}

func deviceString(device uintptr, param uint32) string {
	return infoString(func(p uint32, size uintptr, v unsafe.Pointer, r *uintptr) clStatus {
		return clGetDeviceInfo(device, p, size, v, r)
	}, param)
}

func platformIDs() ([]uintptr, error) {
	var n uint32
	if st := clGetPlatformIDs(0, nil, &n); st != clSuccess {
		return nil, st
	}
	if n == 0 {
		return nil, clPlatformNotFoundKHR
	}
	ids := make([]uintptr, n)
	if st := clGetPlatformIDs(n, &ids[0], nil); st != clSuccess {
		return nil, st
	}
	return ids, nil
}

func deviceIDs(platform uintptr, deviceType uint64) ([]uintptr, error) {
	var n uint32
	if st := clGetDeviceIDs(platform, deviceType, 0, nil, &n); st != clSuccess {
		return nil, st
	}
	if n == 0 {
		return nil, clDeviceNotFound
	}
	ids := make([]uintptr, n)
	if st := clGetDeviceIDs(platform, deviceType, n, &ids[0], nil); st != clSuccess {
		return nil, st
	}
	return ids, nil
}
