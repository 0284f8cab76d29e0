package hostlib

import "context"

// Property names a readable attribute of a handle.
type Property int

const (
	PropertyVMPath Property = iota + 1
	PropertyVMPowerState
	PropertyVMToolsState
	PropertySnapshotName
	PropertySnapshotDescription
	PropertySnapshotParent
	PropertyHostBackend
)

// GetProperty reads prop from h. VM power and tools state are queried from
// the hypervisor on every call; the other properties are cached on the handle.
func (l *Library) GetProperty(ctx context.Context, h Handle, prop Property) (Value, error) {
	switch prop {
	case PropertyHostBackend:
		if _, err := l.lookup(h, HandleTypeHost); err != nil {
			return None(), err
		}
		return StringValue(l.driver.Name()), nil

	case PropertyVMPath, PropertyVMPowerState, PropertyVMToolsState:
		m, err := l.machine(h)
		if err != nil {
			return None(), err
		}
		switch prop {
		case PropertyVMPath:
			return StringValue(m.Path()), nil
		case PropertyVMPowerState:
			s, err := m.PowerState(ctx)
			if err != nil {
				return None(), err
			}
			return IntValue(int64(s)), nil
		default:
			s, err := m.ToolsState(ctx)
			if err != nil {
				return None(), err
			}
			return IntValue(int64(s)), nil
		}

	case PropertySnapshotName, PropertySnapshotDescription, PropertySnapshotParent:
		obj, err := l.lookup(h, HandleTypeSnapshot)
		if err != nil {
			return None(), err
		}
		switch prop {
		case PropertySnapshotName:
			return StringValue(obj.snap.Name), nil
		case PropertySnapshotDescription:
			return StringValue(obj.snap.Description), nil
		default:
			return StringValue(obj.snap.Parent), nil
		}
	}

	return None(), Errorf(CodeInvalidArgument, "unknown property %d", prop)
}
