/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var namedLevels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// StringToLevel parses a level name, or a positive logr verbosity. Verbosity n maps to zap level -n,
// so "2" enables V(2) messages such as protocol frame traces.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, found := namedLevels[strings.ToLower(value)]; found {
		return level, nil
	}
	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}
	return zapcore.Level(int8(-verbosity)), nil
}

// LevelFlagValue is the pflag.Value behind -v. Setting it applies the level right away.
type LevelFlagValue struct {
	apply func(zapcore.Level)
	value string
}

func NewLevelFlagValue(apply func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{apply: apply}
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.apply(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

// GetLevelFlagValue finds the verbosity flag registered by Logger.AddLevelFlag.
func GetLevelFlagValue(fs *pflag.FlagSet) (*LevelFlagValue, bool) {
	if fs == nil {
		return nil, false
	}
	f := fs.Lookup(verbosityFlagName)
	if f == nil {
		return nil, false
	}
	lfv, ok := f.Value.(*LevelFlagValue)
	return lfv, ok
}

var _ pflag.Value = &LevelFlagValue{}
