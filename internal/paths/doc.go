// Provides platform-appropriate paths for stagebuild.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The program name "stagebuild" is used as the subdirectory under
// each base path.
package paths
