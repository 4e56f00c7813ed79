//go:build windows

package usbdev

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// {A5DCBF10-6530-11D2-901F-00C04FB951ED}, every USB device interface.
var guidDevInterfaceUSBDevice = windows.GUID{Data1: 0xA5DCBF10, Data2: 0x6530, Data3: 0x11D2, Data4: [8]byte{0x90, 0x1F, 0x00, 0xC0, 0x4F, 0xB9, 0x51, 0xED}}

const (
	_DIGCF_PRESENT         = 0x00000002
	_DIGCF_DEVICEINTERFACE = 0x00000010

	_SPDRP_DEVICEDESC   = 0x00000000
	_SPDRP_HARDWAREID   = 0x00000001
	_SPDRP_MFG          = 0x0000000B
	_SPDRP_FRIENDLYNAME = 0x0000000C
)

// setupapi.h structures.
type spDeviceInterfaceData struct {
	cbSize             uint32
	InterfaceClassGuid windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type spDeviceInterfaceDetailDataW struct {
	cbSize     uint32
	DevicePath [1]uint16 // variable length
}

type spDevinfoData struct {
	cbSize    uint32
	ClassGuid windows.GUID
	DevInst   uint32
	Reserved  uintptr
}

var (
	modSetupapi                           = windows.NewLazySystemDLL("setupapi.dll")
	procSetupDiGetClassDevsW              = modSetupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces       = modSetupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW  = modSetupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiGetDeviceRegistryPropertyW = modSetupapi.NewProc("SetupDiGetDeviceRegistryPropertyW")
	procSetupDiDestroyDeviceInfoList      = modSetupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

// SystemDevices lists present USB devices matching vendor/product through
// SetupAPI. It also finds devices bound to the vendor's VCP driver,
// which libusb cannot open.
func SystemDevices(vendor, product uint16) ([]Info, error) {
	h, err := setupDiGetClassDevs(&guidDevInterfaceUSBDevice, 0, 0, _DIGCF_PRESENT|_DIGCF_DEVICEINTERFACE)
	if err != nil {
		return nil, err
	}
	defer setupDiDestroyDeviceInfoList(h)

	var results []Info
	for index := uint32(0); ; index++ {
		var ifData spDeviceInterfaceData
		ifData.cbSize = uint32(unsafe.Sizeof(ifData))

		ok, errEnum := setupDiEnumDeviceInterfaces(h, 0, &guidDevInterfaceUSBDevice, index, &ifData)
		if !ok {
			if errors.Is(errEnum, windows.ERROR_NO_MORE_ITEMS) {
				break
			}
			return nil, fmt.Errorf("SetupDiEnumDeviceInterfaces failed at index %d: %w", index, errEnum)
		}

		var devInfo spDevinfoData
		devInfo.cbSize = uint32(unsafe.Sizeof(devInfo))
		reqSize := uint32(0)
		_ = setupDiGetDeviceInterfaceDetailW(h, &ifData, nil, 0, &reqSize, &devInfo)
		if reqSize == 0 {
			continue
		}

		buf := make([]byte, reqSize)
		detail := (*spDeviceInterfaceDetailDataW)(unsafe.Pointer(&buf[0]))
		if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
			detail.cbSize = 6
		} else {
			detail.cbSize = 8
		}
		if err := setupDiGetDeviceInterfaceDetailW(h, &ifData, detail, reqSize, nil, &devInfo); err != nil {
			return nil, fmt.Errorf("SetupDiGetDeviceInterfaceDetailW failed: %w", err)
		}
		path := windows.UTF16PtrToString(&detail.DevicePath[0])

		hwIDs, _ := setupDiGetDeviceRegistryMultiSz(h, &devInfo, _SPDRP_HARDWAREID)
		if !hwidMatches(hwIDs, path, vendor, product) {
			continue
		}
		desc, _ := setupDiGetDeviceRegistryString(h, &devInfo, _SPDRP_FRIENDLYNAME)
		if desc == "" {
			desc, _ = setupDiGetDeviceRegistryString(h, &devInfo, _SPDRP_DEVICEDESC)
		}
		mfg, _ := setupDiGetDeviceRegistryString(h, &devInfo, _SPDRP_MFG)
		results = append(results, Info{
			Vendor:       vendor,
			Product:      product,
			Serial:       serialFromPath(path),
			Manufacturer: mfg,
			Description:  desc,
			DevicePath:   path,
			HardwareIDs:  hwIDs,
		})
	}
	return results, nil
}

func setupDiGetClassDevs(classGUID *windows.GUID, enumerator uint16, hwndParent uintptr, flags uint32) (windows.Handle, error) {
	r0, _, e1 := procSetupDiGetClassDevsW.Call(
		uintptr(unsafe.Pointer(classGUID)),
		uintptr(unsafe.Pointer(&enumerator)),
		hwndParent,
		uintptr(flags),
	)
	if r0 == 0 || r0 == ^uintptr(0) {
		return 0, callError(e1, "SetupDiGetClassDevsW")
	}
	return windows.Handle(r0), nil
}

func setupDiEnumDeviceInterfaces(h windows.Handle, devInfo uintptr, classGUID *windows.GUID, index uint32, out *spDeviceInterfaceData) (bool, error) {
	r1, _, e1 := procSetupDiEnumDeviceInterfaces.Call(
		uintptr(h),
		devInfo,
		uintptr(unsafe.Pointer(classGUID)),
		uintptr(index),
		uintptr(unsafe.Pointer(out)),
	)
	if r1 == 0 {
		return false, e1
	}
	return true, nil
}

func setupDiGetDeviceInterfaceDetailW(h windows.Handle, ifData *spDeviceInterfaceData, detail *spDeviceInterfaceDetailDataW, detailSize uint32, requiredSize *uint32, devInfo *spDevinfoData) error {
	r1, _, e1 := procSetupDiGetDeviceInterfaceDetailW.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(ifData)),
		uintptr(unsafe.Pointer(detail)),
		uintptr(detailSize),
		uintptr(unsafe.Pointer(requiredSize)),
		uintptr(unsafe.Pointer(devInfo)),
	)
	if r1 == 0 {
		// Size probes fail with ERROR_INSUFFICIENT_BUFFER.
		if detail == nil && errors.Is(e1, windows.ERROR_INSUFFICIENT_BUFFER) {
			return nil
		}
		return callError(e1, "SetupDiGetDeviceInterfaceDetailW")
	}
	return nil
}

// registryProperty reads a device registry property as UTF-16 words.
func registryProperty(h windows.Handle, devInfo *spDevinfoData, prop uint32) ([]uint16, error) {
	var dataType, required uint32
	r1, _, e1 := procSetupDiGetDeviceRegistryPropertyW.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(devInfo)),
		uintptr(prop),
		uintptr(unsafe.Pointer(&dataType)),
		0,
		0,
		uintptr(unsafe.Pointer(&required)),
	)
	if r1 == 0 && !errors.Is(e1, windows.ERROR_INSUFFICIENT_BUFFER) {
		return nil, e1
	}
	if required < 2 {
		return nil, nil
	}
	buf := make([]uint16, required/2)
	r2, _, e2 := procSetupDiGetDeviceRegistryPropertyW.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(devInfo)),
		uintptr(prop),
		uintptr(unsafe.Pointer(&dataType)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(required),
		uintptr(unsafe.Pointer(&required)),
	)
	if r2 == 0 {
		return nil, callError(e2, "SetupDiGetDeviceRegistryPropertyW")
	}
	return buf, nil
}

func setupDiGetDeviceRegistryString(h windows.Handle, devInfo *spDevinfoData, prop uint32) (string, error) {
	buf, err := registryProperty(h, devInfo, prop)
	if err != nil || buf == nil {
		return "", err
	}
	return windows.UTF16ToString(buf), nil
}

// setupDiGetDeviceRegistryMultiSz splits a REG_MULTI_SZ value.
func setupDiGetDeviceRegistryMultiSz(h windows.Handle, devInfo *spDevinfoData, prop uint32) ([]string, error) {
	buf, err := registryProperty(h, devInfo, prop)
	if err != nil {
		return nil, err
	}
	var out []string
	start := 0
	for i, v := range buf {
		if v != 0 {
			continue
		}
		if i == start {
			break
		}
		out = append(out, windows.UTF16ToString(buf[start:i]))
		start = i + 1
	}
	return out, nil
}

func setupDiDestroyDeviceInfoList(h windows.Handle) error {
	r1, _, e1 := procSetupDiDestroyDeviceInfoList.Call(uintptr(h))
	if r1 == 0 {
		return callError(e1, "SetupDiDestroyDeviceInfoList")
	}
	return nil
}

func callError(err error, proc string) error {
	if err != nil && !errors.Is(err, windows.ERROR_SUCCESS) {
		return fmt.Errorf("%s: %w", proc, err)
	}
	return fmt.Errorf("%s failed", proc)
}
