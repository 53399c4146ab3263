/*
Package vox holds the types and helpers shared by every ngsource package: logging,
error kinds, integer/float 3d points and bounds, voxel data types, and the
identifier codec used for 64-bit object and fragment ids.

Logging follows a simple severity filter set with SetLogMode.  By default messages
go through the standard log package; a LogConfig with a Logfile sends them to a
rotating log file instead.
*/
package vox
